package flow

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/matomo-bridge/internal/entries"
)

// OptionsSetter commits an options change. The bridge manager
// implements it so the entity set follows the new option.
type OptionsSetter interface {
	SetOptions(ctx context.Context, entryID string, includeAggregate bool) (entries.Entry, error)
}

// OptionsFlow edits the include_aggregate option of one entry.
type OptionsFlow struct {
	id      string
	entry   entries.Entry
	setter  OptionsSetter
	logger  *slog.Logger
	created time.Time
}

// NewOptionsFlow starts an options flow for entry.
func NewOptionsFlow(entry entries.Entry, setter OptionsSetter, logger *slog.Logger) *OptionsFlow {
	if logger == nil {
		logger = slog.Default()
	}
	return &OptionsFlow{
		id:      uuid.NewString(),
		entry:   entry,
		setter:  setter,
		logger:  logger,
		created: time.Now(),
	}
}

// ID identifies the flow.
func (f *OptionsFlow) ID() string { return f.id }

// Created is when the flow was started.
func (f *OptionsFlow) Created() time.Time { return f.created }

// Current returns the options form pre-filled with the entry's current
// value.
func (f *OptionsFlow) Current() Result {
	return Result{
		FlowID: f.id,
		Type:   ResultForm,
		StepID: StepInit,
		Defaults: map[string]string{
			FieldIncludeAggregate: strconv.FormatBool(f.entry.IncludeAggregate),
		},
	}
}

// Submit persists the option and returns create_entry carrying the
// updated entry.
func (f *OptionsFlow) Submit(ctx context.Context, includeAggregate bool) Result {
	updated, err := f.setter.SetOptions(ctx, f.entry.ID, includeAggregate)
	if err != nil {
		f.logger.Error("options update failed", "entry_id", f.entry.ID, "error", err)
		r := f.Current()
		r.Errors = map[string]string{FieldBase: "unknown"}
		return r
	}
	f.entry = updated
	return Result{FlowID: f.id, Type: ResultCreateEntry, Entry: &updated}
}
