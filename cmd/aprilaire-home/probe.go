package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"aprilaire-go-home/internal/aprilaire"
)

func newProbeCmd() *cobra.Command {
	var (
		port    int
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe HOST",
		Short: "Connect to a thermostat and print its identification",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			data, err := probe(ctx, aprilaire.NewClient(args[0], port, aprilaire.WithLogger(logger)))
			if err != nil {
				return fmt.Errorf("probe %s:%d: %w", args[0], port, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", aprilaire.DefaultPort, "thermostat TCP port")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "overall timeout")
	return cmd
}

// prober is the part of the client a probe uses.
type prober interface {
	Start(ctx context.Context) error
	Stop()
	WaitForResponse(ctx context.Context, domain aprilaire.FunctionalDomain, attribute uint8) (aprilaire.Data, error)
	ReadIdentification(ctx context.Context) error
	ReadMACAddress(ctx context.Context) error
	ReadThermostatName(ctx context.Context) error
}

// probeReads are the identification attributes a probe waits for.
var probeReads = []struct {
	attribute uint8
	read      func(prober, context.Context) error
}{
	{1, prober.ReadIdentification},
	{2, prober.ReadMACAddress},
	{4, prober.ReadThermostatName},
}

// probe starts client, requests the identification attributes and returns
// the merged answers.
func probe(ctx context.Context, client prober) (aprilaire.Data, error) {
	defer client.Stop()

	var (
		mu     sync.Mutex
		merged = aprilaire.Data{}
		wg     sync.WaitGroup
		errs   = make(chan error, len(probeReads))
	)
	for _, r := range probeReads {
		wg.Add(1)
		go func(attribute uint8) {
			defer wg.Done()
			data, err := client.WaitForResponse(ctx, aprilaire.DomainIdentification, attribute)
			if err != nil {
				errs <- fmt.Errorf("identification/%d: %w", attribute, err)
				return
			}
			mu.Lock()
			merged = merged.Merge(data)
			mu.Unlock()
		}(r.attribute)
	}

	if err := client.Start(ctx); err != nil {
		return nil, fmt.Errorf("start client: %w", err)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	// Reads are repeated until every waiter has its answer, since an answer
	// that arrives before its waiter registered is not delivered to it.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for waiting := true; waiting; {
		for _, r := range probeReads {
			if err := r.read(client, ctx); err != nil && ctx.Err() == nil {
				return nil, err
			}
		}
		select {
		case <-done:
			waiting = false
		case <-ticker.C:
		}
	}
	close(errs)
	if err := <-errs; err != nil {
		return nil, err
	}
	return merged, nil
}
