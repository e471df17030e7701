package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shortontech/iptrace/internal/history"
	"github.com/shortontech/iptrace/internal/metrics"
	"github.com/shortontech/iptrace/internal/store"
	"github.com/shortontech/iptrace/internal/tracker"
	"github.com/shortontech/iptrace/pkg/config"
)

const simulatedClient = "simulate"

// runSimulate observes ips in order against a memory store, emitting
// changes to the configured sinks, and prints the resulting history.
func runSimulate(ctx context.Context, out io.Writer, cfg config.Config, ips []string) error {
	if len(ips) == 0 {
		return errors.New("no addresses given, use --ips a,b,c")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	sinkCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sinks := initializeSinks(sinkCtx, cfg.Outputs)
	defer func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}()

	h, err := simulate(ctx, &tracker.Tracker{
		Location:   cfg.Location(),
		MaxEntries: cfg.MaxEntries,
		Notify:     createEmitFunc(sinks, metrics.GetMetrics()),
	}, ips, time.Now())
	if err != nil {
		return err
	}
	return printHistory(out, h)
}

// simulate advances the clock one minute per observation so dates differ.
func simulate(ctx context.Context, tr *tracker.Tracker, ips []string, start time.Time) (history.History, error) {
	st := store.NewMemoryStore()
	slot := tracker.Slot{Key: simulatedClient, Client: simulatedClient}

	var h history.History
	for i, ip := range ips {
		at := start.Add(time.Duration(i) * time.Minute)
		tr.Now = func() time.Time { return at }

		var appended bool
		var err error
		h, appended, err = tr.Observe(ctx, st, slot, history.IPInfo{IP: ip, Source: "simulate"})
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"step": i + 1, "ip": ip, "appended": appended}).Debug("observed")
	}
	return h, nil
}

func printHistory(out io.Writer, h history.History) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tIP\tSOURCE")
	for _, e := range h {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Date, e.IP, e.Source)
	}
	return tw.Flush()
}
