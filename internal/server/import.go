package server

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// ImportEntry is one parsed line of a URL list.
type ImportEntry struct {
	URL      string
	Type     indexing.URLType
	Priority int
}

// ParseURLList reads "url[,type[,priority]]" lines. Blank lines and lines
// starting with # are skipped. Type defaults to new, priority to 0.
func ParseURLList(r io.Reader) ([]ImportEntry, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var out []ImportEntry
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read url list: %w", err)
		}
		line, _ := reader.FieldPos(0)
		entry, err := parseEntry(record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, entry)
	}
}

func parseEntry(record []string) (ImportEntry, error) {
	if len(record) == 0 || len(record) > 3 {
		return ImportEntry{}, fmt.Errorf("expected 1 to 3 fields, got %d", len(record))
	}
	raw := strings.TrimSpace(record[0])
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ImportEntry{}, fmt.Errorf("invalid url %q", raw)
	}
	entry := ImportEntry{URL: u.String(), Type: indexing.URLTypeNew}
	if len(record) > 1 && strings.TrimSpace(record[1]) != "" {
		switch t := indexing.URLType(strings.ToLower(strings.TrimSpace(record[1]))); t {
		case indexing.URLTypeNew, indexing.URLTypeUpdated:
			entry.Type = t
		default:
			return ImportEntry{}, fmt.Errorf("unknown url type %q", record[1])
		}
	}
	if len(record) > 2 && strings.TrimSpace(record[2]) != "" {
		p, err := strconv.Atoi(strings.TrimSpace(record[2]))
		if err != nil {
			return ImportEntry{}, fmt.Errorf("invalid priority %q", record[2])
		}
		entry.Priority = p
	}
	return entry, nil
}

// Import creates Pending items for entries and returns how many were stored.
func (a *App) Import(ctx context.Context, entries []ImportEntry) (int, error) {
	return importEntries(ctx, a.urls, a.ids, a.clock, entries, a.logger)
}

func importEntries(
	ctx context.Context,
	repo indexing.URLRepository,
	ids indexing.IDGenerator,
	clock indexing.Clock,
	entries []ImportEntry,
	logger *zap.Logger,
) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := clock.Now()
	items := make([]indexing.URLItem, 0, len(entries))
	for _, e := range entries {
		id, err := ids.NewID()
		if err != nil {
			return 0, err
		}
		items = append(items, indexing.URLItem{
			ID:               id,
			URL:              e.URL,
			Type:             e.Type,
			Priority:         e.Priority,
			Status:           indexing.StatusPending,
			CreatedAt:        now,
			LastTransitionAt: now,
		})
	}
	if err := repo.Create(ctx, items...); err != nil {
		return 0, fmt.Errorf("create url items: %w", err)
	}
	logger.Info("urls imported", zap.Int("count", len(items)))
	return len(items), nil
}
