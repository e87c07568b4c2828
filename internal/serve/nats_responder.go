package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/gftdcojp/wal-tiered-storage/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

func subjectPrefix(prefix string) string {
	if prefix == "" {
		return "wts"
	}
	return prefix
}

// RunNATSResponder answers request-reply subjects until ctx is done:
//
//	{prefix}.meta.{namespace}
//	{prefix}.restore.{namespace}.{frame_no}
//	{prefix}.resume.{namespace}
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, svc *Service, logger *zap.Logger) error {
	prefix := subjectPrefix(cfg.SubjectPrefix)

	handlers := map[string]nats.MsgHandler{
		prefix + ".meta.*": func(msg *nats.Msg) {
			ns := tokens(msg.Subject, prefix)[1]
			m, err := svc.Meta(ctx, ns)
			respond(msg, m, err, logger)
		},
		prefix + ".restore.*.*": func(msg *nats.Msg) {
			t := tokens(msg.Subject, prefix)
			ns, frameStr := t[1], t[2]
			frameNo, err := strconv.ParseUint(frameStr, 10, 64)
			if err != nil {
				respond(msg, nil, fmt.Errorf("%w: invalid frame number %q", ErrBadRequest, frameStr), logger)
				return
			}
			path, err := svc.Restore(ctx, ns, frameNo)
			respond(msg, map[string]interface{}{"namespace": ns, "frame_no": frameNo, "path": path}, err, logger)
		},
		prefix + ".resume.*": func(msg *nats.Msg) {
			ns := tokens(msg.Subject, prefix)[1]
			err := svc.Resume(ctx, ns)
			respond(msg, map[string]string{"status": "resumed", "namespace": ns}, err, logger)
		},
	}

	var subs []*nats.Subscription
	for subject, h := range handlers {
		sub, err := nc.Subscribe(subject, h)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
		logger.Info("NATS responder subscribed", zap.String("subject", subject))
	}

	<-ctx.Done()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

// tokens splits the part of subject after prefix. The prefix may itself
// contain dots.
func tokens(subject, prefix string) []string {
	return strings.Split(strings.TrimPrefix(subject, prefix+"."), ".")
}

func respond(msg *nats.Msg, v interface{}, err error, logger *zap.Logger) {
	if err != nil {
		if statusCode(err) >= 500 {
			logger.Error("NATS request failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
		v = map[string]interface{}{"error": err.Error(), "code": statusCode(err)}
	}
	data, _ := json.Marshal(v)
	if err := msg.Respond(data); err != nil {
		logger.Warn("failed to respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
