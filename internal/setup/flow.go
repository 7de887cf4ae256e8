// Package setup implements the config flow that adds a thermostat: it collects
// host and port, checks that a thermostat answers there and stores the entry.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/store"
)

const (
	// DefaultTitle is the title given to every new entry.
	DefaultTitle   = "Aprilaire"
	// DefaultTimeout bounds the reachability check.
	DefaultTimeout = 30 * time.Second

	StepUser = "user"
)

// Result types.
const (
	ResultForm        = "form"
	ResultCreateEntry = "create_entry"
	ResultAbort       = "abort"
)

// Error and abort reasons.
const (
	ErrorConnectionFailed  = "connection_failed"
	ErrorRequired          = "required"
	ErrorInvalidPort       = "invalid_port"
	AbortAlreadyConfigured = "already_configured"
)

// ClientFactory creates an unstarted client for host:port.
type ClientFactory func(host string, port int) aprilaire.Backend

// EntryStore is the part of the store the flow needs.
type EntryStore interface {
	SaveEntry(e *store.Entry) error
	DeleteEntry(id string) error
	ListEntries() ([]*store.Entry, error)
}

// Input is the user step form.
type Input struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// SchemaField describes one form field.
type SchemaField struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// UserSchema is the form shown for the user step.
var UserSchema = []SchemaField{
	{Name: "host", Type: "string", Required: true},
	{Name: "port", Type: "integer", Required: true, Default: aprilaire.DefaultPort},
}

// Result is the outcome of a flow step.
type Result struct {
	Type   string            `json:"type"`
	StepID string            `json:"step_id,omitempty"`
	Schema []SchemaField     `json:"data_schema,omitempty"`
	Errors map[string]string `json:"errors,omitempty"`
	Reason string            `json:"reason,omitempty"`
	Title  string            `json:"title,omitempty"`
	Entry  *store.Entry      `json:"entry,omitempty"`
}

func form(errs map[string]string) Result {
	return Result{Type: ResultForm, StepID: StepUser, Schema: UserSchema, Errors: errs}
}

// Flow runs config flow steps. Steps are serialized so two flows cannot
// create the same entry.
type Flow struct {
	store     EntryStore
	newClient ClientFactory
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex
}

type Option func(*Flow)

func WithTimeout(d time.Duration) Option {
	return func(f *Flow) { f.timeout = d }
}

// NewFlow creates a config flow backed by st.
func NewFlow(st EntryStore, newClient ClientFactory, logger *slog.Logger, opts ...Option) *Flow {
	f := &Flow{
		store:     st,
		newClient: newClient,
		timeout:   DefaultTimeout,
		logger:    logger.With("component", "config_flow"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// UniqueID identifies a thermostat address across entries.
func UniqueID(host string, port int) string {
	return fmt.Sprintf("aprilaire_%s%d", strings.ReplaceAll(host, ".", ""), port)
}

// StepUser handles the user step. A nil input returns the empty form.
func (f *Flow) StepUser(ctx context.Context, input *Input) (Result, error) {
	if input == nil {
		return form(nil), nil
	}
	host := strings.TrimSpace(input.Host)
	port := input.Port
	if port == 0 {
		port = aprilaire.DefaultPort
	}
	if host == "" {
		return form(map[string]string{"host": ErrorRequired}), nil
	}
	if port < 1 || port > 65535 {
		return form(map[string]string{"port": ErrorInvalidPort}), nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	uniqueID := UniqueID(host, port)
	entries, err := f.store.ListEntries()
	if err != nil {
		return Result{}, fmt.Errorf("list entries: %w", err)
	}
	for _, e := range entries {
		if e.UniqueID == uniqueID || (e.Host == host && e.Port == port) {
			return Result{Type: ResultAbort, Reason: AbortAlreadyConfigured}, nil
		}
	}

	if err := f.checkConnection(ctx, host, port); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		f.logger.Warn("thermostat unreachable", "host", host, "port", port, "err", err)
		return form(map[string]string{"base": ErrorConnectionFailed}), nil
	}

	entry := &store.Entry{
		ID:        uuid.NewString(),
		UniqueID:  uniqueID,
		Title:     DefaultTitle,
		Host:      host,
		Port:      port,
		CreatedAt: f.now().UTC(),
	}
	if err := f.store.SaveEntry(entry); err != nil {
		return Result{}, fmt.Errorf("save entry: %w", err)
	}
	f.logger.Info("entry created", "entry_id", entry.ID, "host", host, "port", port)
	return Result{Type: ResultCreateEntry, Title: entry.Title, Entry: entry}, nil
}

// checkConnection starts a temporary client and waits for the thermostat to
// report its MAC address.
func (f *Flow) checkConnection(ctx context.Context, host string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	client := f.newClient(host, port)
	defer client.Stop()

	type response struct {
		data aprilaire.Data
		err  error
	}
	got := make(chan response, 1)
	go func() {
		data, err := client.WaitForResponse(ctx, aprilaire.DomainIdentification, 2)
		got <- response{data, err}
	}()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	// The startup sequence already reads the MAC; repeat it in case the
	// answer arrived before the waiter was registered.
	if err := client.ReadMACAddress(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("read mac address: %w", err)
	}

	r := <-got
	if r.err != nil {
		return r.err
	}
	if !r.data.Has(aprilaire.AttrMACAddress) {
		return errors.New("thermostat did not report a mac address")
	}
	return nil
}

// Remove deletes a stored entry.
func (f *Flow) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.store.DeleteEntry(id); err != nil {
		return fmt.Errorf("remove entry %s: %w", id, err)
	}
	f.logger.Info("entry removed", "entry_id", id)
	return nil
}
