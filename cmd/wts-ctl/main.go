package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"
)

var version = "dev"

func main() {
	addr := flag.String("addr", "http://localhost:8080", "wal-tiered-storage API address")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	need := func(n int, usage string) {
		if len(args) < n+1 {
			fmt.Fprintln(os.Stderr, "usage: wts-ctl "+usage)
			os.Exit(1)
		}
	}

	switch args[0] {
	case "version":
		fmt.Printf("wts-ctl %s\n", version)
	case "status":
		get(*addr + "/v1/status")
	case "meta":
		need(1, "meta <namespace>")
		get(*addr + "/v1/namespaces/" + url.PathEscape(args[1]) + "/meta")
	case "segments":
		need(1, "segments <namespace>")
		cmdSegments(*addr, args[1])
	case "escalations":
		need(1, "escalations <namespace>")
		get(*addr + "/v1/namespaces/" + url.PathEscape(args[1]) + "/escalations")
	case "restore":
		need(2, "restore <namespace> <frame_no>")
		post(*addr + "/v1/namespaces/" + url.PathEscape(args[1]) + "/restore/" + url.PathEscape(args[2]))
	case "resume":
		need(1, "resume <namespace>")
		post(*addr + "/v1/namespaces/" + url.PathEscape(args[1]) + "/resume")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `wts-ctl - WAL tiered storage management CLI

Usage:
  wts-ctl [flags] <command> [args]

Commands:
  status                      Show durability loop status and namespaces
  meta <ns>                   Show the durable state of a namespace
  segments <ns>               List segments with the tiers holding them
  escalations <ns>            List store requests that exhausted retries
  restore <ns> <frame_no>     Restore the segment covering a frame
  resume <ns>                 Resume a namespace halted by an escalation
  version                     Show version

Flags:
  -addr string   API address (default "http://localhost:8080")`)
}

var client = &http.Client{Timeout: 5 * time.Minute}

func get(u string) {
	resp, err := client.Get(u)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
	exitOnFailure(resp)
}

func post(u string) {
	resp, err := client.Post(u, "", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	printJSON(resp.Body)
	exitOnFailure(resp)
}

func cmdSegments(addr, ns string) {
	resp, err := client.Get(addr + "/v1/namespaces/" + url.PathEscape(ns) + "/segments")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		printJSON(resp.Body)
		exitOnFailure(resp)
	}

	var segs []struct {
		Name         string    `json:"name"`
		StartFrameNo uint64    `json:"start_frame_no"`
		EndFrameNo   uint64    `json:"end_frame_no"`
		SizeBytes    int64     `json:"size_bytes"`
		Tiers        []string  `json:"tiers"`
		CreatedAt    time.Time `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&segs); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tSIZE\tTIERS\tAGE")
	for _, s := range segs {
		fmt.Fprintf(w, "%d\t%d\t%d\t%v\t%s\n",
			s.StartFrameNo, s.EndFrameNo, s.SizeBytes, s.Tiers, time.Since(s.CreatedAt).Truncate(time.Second))
	}
	w.Flush()
}

func exitOnFailure(resp *http.Response) {
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}

func printJSON(r io.Reader) {
	var v interface{}
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		fmt.Fprintf(os.Stderr, "error decoding response: %v\n", err)
		return
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
