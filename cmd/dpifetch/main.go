// Copyright 2026 The Donggong Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/textproto"
	"os"
	"os/signal"
	"path"
	"strings"
	"time"

	"github.com/donggong/dpifetch/evasive"
	"github.com/donggong/dpifetch/fetch"
	"github.com/donggong/dpifetch/internal/config"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// Number of URLs fetched at the same time.
const parallelism = 4

type stringArrayFlagValue []string

func (v *stringArrayFlagValue) String() string {
	return fmt.Sprint(*v)
}

func (v *stringArrayFlagValue) Set(value string) error {
	*v = append(*v, value)
	return nil
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags...] <url>...\n", path.Base(os.Args[0]))
		flag.PrintDefaults()
	}
}

// parseHeaders reads raw "Name: value" lines. The first value of a repeated name wins.
func parseHeaders(lines []string) (map[string]string, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	headerText := strings.Join(lines, "\r\n") + "\r\n\r\n"
	h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(h))
	for name, values := range h {
		headers[name] = values[0]
	}
	return headers, nil
}

// mergeHeaders returns the config headers overridden by the command-line ones.
func mergeHeaders(fromConfig, fromFlags map[string]string) map[string]string {
	merged := make(map[string]string, len(fromConfig)+len(fromFlags))
	for name, value := range fromConfig {
		merged[textproto.CanonicalMIMEHeaderKey(name)] = value
	}
	for name, value := range fromFlags {
		merged[textproto.CanonicalMIMEHeaderKey(name)] = value
	}
	return merged
}

// formatError renders err as KIND: message.
func formatError(err error) string {
	return fmt.Sprintf("%v: %v", fetch.KindOf(err), err)
}

func main() {
	verboseFlag := flag.Bool("v", false, "Enable debug output")
	var headersFlag stringArrayFlagValue
	flag.Var(&headersFlag, "H", "Raw HTTP Header line to add. It must not end in \\r\\n")
	configFlag := flag.String("config", "", "YAML configuration file")
	resolverFlag := flag.String("resolver", "", "DNS server to use instead of the system resolver, as udp://host[:port] or tcp://host[:port]")
	timeoutFlag := flag.Duration("timeout", 0, "Deadline for each URL, retries included. Zero means no deadline")

	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(
		os.Stderr,
		&tint.Options{NoColor: !term.IsTerminal(int(os.Stderr.Fd())), Level: logLevel},
	)))

	urls := flag.Args()
	if len(urls) == 0 {
		slog.Error("Need to pass the URL to fetch in the command-line")
		flag.Usage()
		os.Exit(1)
	}

	cfg := &config.Config{}
	if *configFlag != "" {
		var err error
		cfg, err = config.Load(*configFlag)
		if err != nil {
			slog.Error("Could not load config", "path", *configFlag, "error", err)
			os.Exit(1)
		}
	}
	if *resolverFlag != "" {
		cfg.Resolver = *resolverFlag
	}
	if *timeoutFlag != 0 {
		cfg.Timeout = *timeoutFlag
	}
	flagHeaders, err := parseHeaders(headersFlag)
	if err != nil {
		slog.Error("Invalid header line", "error", err)
		os.Exit(1)
	}
	headers := mergeHeaders(cfg.Headers, flagHeaders)

	dialerOptions := []evasive.Option{evasive.WithLogger(slog.Default())}
	resolver, err := config.NewResolver(cfg.Resolver)
	if err != nil {
		slog.Error("Invalid resolver", "error", err)
		os.Exit(1)
	}
	if resolver != nil {
		dialerOptions = append(dialerOptions, evasive.WithResolver(resolver))
	}
	dialer, err := evasive.NewDialer(dialerOptions...)
	if err != nil {
		slog.Error("Could not create dialer", "error", err)
		os.Exit(1)
	}
	var shaperOptions []fetch.ShaperOption
	if cfg.DotTrickHosts != nil {
		shaperOptions = append(shaperOptions, fetch.WithDotTrickHosts(cfg.DotTrickHosts...))
	}
	fetcher, err := fetch.NewFetcher(dialer,
		fetch.WithShaper(fetch.NewShaper(shaperOptions...)),
		fetch.WithLogger(slog.Default()))
	if err != nil {
		slog.Error("Could not create fetcher", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	bodies := make([]string, len(urls))
	errs := make([]error, len(urls))
	var group errgroup.Group
	group.SetLimit(parallelism)
	for i, url := range urls {
		group.Go(func() error {
			urlCtx := ctx
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				urlCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				defer cancel()
			}
			start := time.Now()
			bodies[i], errs[i] = fetcher.Fetch(urlCtx, url, headers)
			slog.Debug("Fetch done", "url", url, "elapsed", time.Since(start), "ok", errs[i] == nil)
			return nil
		})
	}
	group.Wait()

	failed := false
	for i, url := range urls {
		if errs[i] != nil {
			failed = true
			fmt.Fprintf(os.Stderr, "%v: %v\n", url, formatError(errs[i]))
			continue
		}
		fmt.Println(bodies[i])
	}
	if failed {
		os.Exit(1)
	}
}
