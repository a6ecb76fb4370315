// Command hlogkv-inspect reports on a checkpoint directory written by a
// hlogkv.LocalFSCheckpointManager: which tokens exist, and for the selected
// one its kind, version, index bucket and overflow-bucket counts, log
// frontiers and per-session commit points. It replaces the
// teacher's arena-cache-inspect, which reported arena hit/miss/eviction
// counters pulled from a running cache's debug endpoint; there is no running
// process here to poll, so this tool reads checkpoint manifests directly
// instead.
//
// © 2025 hlogkv authors. MIT License.
package main

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"golang.org/x/exp/slices"

	"github.com/spf13/pflag"

	"github.com/hlogkv/hlogkv/pkg"
)

func main() {
	var (
		dir   = pflag.StringP("dir", "d", "", "checkpoint directory (required)")
		token = pflag.StringP("token", "t", "latest", `checkpoint token, or "latest"`)
		list  = pflag.Bool("list", false, "list all checkpoint tokens in --dir and exit")
	)
	pflag.Parse()

	if *dir == "" {
		fmt.Fprintln(os.Stderr, "hlogkv-inspect: --dir is required")
		pflag.Usage()
		os.Exit(2)
	}

	mgr, err := hlogkv.NewLocalFSCheckpointManager(*dir)
	if err != nil {
		fatalf("open checkpoint dir: %v", err)
	}

	if *list {
		tokens, err := mgr.ListCheckpoints()
		if err != nil {
			fatalf("list checkpoints: %v", err)
		}
		slices.Sort(tokens)
		for _, t := range tokens {
			fmt.Println(t)
		}
		return
	}

	tok := *token
	if tok == "" || tok == "latest" {
		tok, err = mgr.Latest()
		if err != nil {
			fatalf("resolve latest checkpoint: %v", err)
		}
	}

	raw, err := mgr.GetMetadata(tok)
	if err != nil {
		fatalf("read checkpoint %s: %v", tok, err)
	}
	var manifest hlogkv.CheckpointManifest
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&manifest); err != nil {
		fatalf("decode checkpoint %s: %v", tok, err)
	}

	fmt.Printf("token:   %s\n", manifest.Token)
	fmt.Printf("kind:    %s\n", manifest.Kind)
	fmt.Printf("version: %d\n", manifest.Version)
	if manifest.Index != nil {
		fmt.Printf("index:   %d buckets, %d overflow buckets, tail=0x%012x\n",
			manifest.Index.NumBuckets, len(manifest.Index.OverflowRaw), manifest.Index.TailAddress)
	}
	if manifest.Log != nil {
		fmt.Printf("log:     begin=0x%012x head=0x%012x readOnly=0x%012x tail=0x%012x\n",
			manifest.Log.BeginAddress, manifest.Log.HeadAddress, manifest.Log.ReadOnlyAddress, manifest.Log.TailAddress)
	}

	guids := make([]string, 0, len(manifest.Commits))
	for g := range manifest.Commits {
		guids = append(guids, g)
	}
	slices.Sort(guids)
	fmt.Printf("sessions: %d\n", len(guids))
	for _, g := range guids {
		fmt.Printf("  %s  commit=%d\n", g, manifest.Commits[g])
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "hlogkv-inspect: "+format+"\n", args...)
	os.Exit(1)
}
