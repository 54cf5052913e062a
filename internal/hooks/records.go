package hooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/scrawlhq/scrawl/internal/model"
	"github.com/scrawlhq/scrawl/internal/registry"
	"github.com/scrawlhq/scrawl/internal/store"
)

// Record is one parsed JSONL object from a hook's stdout. Raw preserves the
// original line byte-for-byte so unrecognized types can be re-emitted
// unchanged.
type Record struct {
	Type   string
	Fields map[string]any
	Raw    string
}

func (r Record) Str(key string) string {
	if v, ok := r.Fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (r Record) Int(key string) (int, bool) {
	switch v := r.Fields[key].(type) {
	case float64:
		return int(v), true
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n, true
		}
	}
	return 0, false
}

// recognizedTypes are the entity kinds record application understands.
// Anything else passes through untouched for downstream chaining.
var recognizedTypes = map[string]bool{
	"Crawl": true, "Snapshot": true, "ArchiveResult": true,
	"Binary": true, "Machine": true, "Tag": true, "Process": true,
}

// ExtractRecords parses stdout line by line. A line that is a JSON object
// with a string "type" becomes a Record; everything else is log noise and is
// returned separately, producing no entity mutation.
func ExtractRecords(stdout string) (records []Record, noise []string) {
	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
			noise = append(noise, line)
			continue
		}
		t, _ := fields["type"].(string)
		if t == "" {
			noise = append(noise, line)
			continue
		}
		records = append(records, Record{Type: t, Fields: fields, Raw: line})
	}
	return records, noise
}

// ApplyContext carries the entity scope records are applied under.
type ApplyContext struct {
	CrawlID    string
	SnapshotID string
	MaxDepth   int // parent crawl's max_depth; Snapshot records deeper than this are dropped
}

// Apply turns recognized records into create-or-update operations: lookup by
// id when present, else by natural key. Records with unrecognized types are
// returned unchanged. Application is idempotent: replaying identical records
// yields the same rows, not duplicates.
func Apply(ctx context.Context, st store.Store, reg *registry.Registry, ac ApplyContext, recs []Record) ([]Record, error) {
	var passthrough []Record
	var firstErr error
	for _, rec := range recs {
		if !recognizedTypes[rec.Type] {
			passthrough = append(passthrough, rec)
			continue
		}
		var err error
		switch rec.Type {
		case "Snapshot":
			err = applySnapshot(ctx, st, ac, rec)
		case "Crawl":
			err = applyCrawl(ctx, st, rec)
		case "ArchiveResult":
			err = applyArchiveResult(ctx, st, rec)
		case "Binary":
			err = applyBinary(ctx, st, reg, rec)
		case "Machine":
			err = applyMachine(ctx, st, reg, rec)
		case "Tag":
			err = applyTag(ctx, st, rec)
		case "Process":
			err = applyProcess(ctx, st, rec)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return passthrough, firstErr
}

func applySnapshot(ctx context.Context, st store.Store, ac ApplyContext, rec Record) error {
	url := rec.Str("url")
	if url == "" {
		return nil
	}
	crawlID := rec.Str("crawl_id")
	if crawlID == "" {
		crawlID = ac.CrawlID
	}
	if crawlID == "" {
		return errors.New("snapshot record without crawl scope")
	}
	depth, ok := rec.Int("depth")
	if !ok {
		depth = 0
	}
	if depth > ac.MaxDepth && ac.CrawlID == crawlID {
		// discovered link beyond the crawl's depth budget
		return nil
	}
	now := time.Now().UTC()
	snap := &model.Snapshot{
		ID:               model.NewID(),
		CrawlID:          crawlID,
		URL:              url,
		Depth:            depth,
		Status:           model.StatusQueued,
		RetryAt:          &now,
		ParentSnapshotID: ac.SnapshotID,
	}
	if id := rec.Str("id"); id != "" {
		snap.ID = id
	}
	_, _, err := st.GetOrCreateSnapshot(ctx, snap)
	return err
}

func applyCrawl(ctx context.Context, st store.Store, rec Record) error {
	id := rec.Str("id")
	if id == "" {
		// create: a hook may enqueue a follow-up crawl
		urls := rec.Str("urls")
		if urls == "" {
			return nil
		}
		now := time.Now().UTC()
		depth, _ := rec.Int("max_depth")
		return st.InsertCrawl(ctx, &model.Crawl{
			ID:        model.NewID(),
			URLs:      urls,
			MaxDepth:  depth,
			Tags:      rec.Str("tags"),
			Status:    model.StatusQueued,
			RetryAt:   &now,
			CreatedBy: "hook",
		})
	}
	crawl, err := st.GetCrawl(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if urls := rec.Str("urls"); urls != "" && urls != crawl.URLs {
		return st.UpdateCrawlURLs(ctx, id, urls)
	}
	return nil
}

func applyArchiveResult(ctx context.Context, st store.Store, rec Record) error {
	id := rec.Str("id")
	if id == "" {
		return nil
	}
	r, err := st.GetArchiveResult(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	changed := false
	if v := rec.Str("output_str"); v != "" {
		r.OutputStr = v
		changed = true
	}
	if v, ok := rec.Fields["output_json"]; ok {
		if b, err := json.Marshal(v); err == nil {
			r.OutputJSON = b
			changed = true
		}
	}
	if v := rec.Str("output_files"); v != "" {
		r.OutputFiles = v
		changed = true
	}
	if !changed {
		return nil
	}
	return st.UpdateArchiveResultOutput(ctx, r)
}

// applyBinary handles the three shapes a Binary record arrives in: an
// already-installed detection, a queued installation request, and an install
// hook's result.
func applyBinary(ctx context.Context, st store.Store, reg *registry.Registry, rec Record) error {
	name := rec.Str("name")
	if name == "" {
		return nil
	}
	m, err := reg.Machine(ctx)
	if err != nil {
		return err
	}
	abspath := rec.Str("abspath")
	version := rec.Str("version")
	providers := rec.Str("binproviders")

	existing, err := st.GetBinaryByName(ctx, m.ID, name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	b := &model.Binary{
		ID:           model.NewID(),
		MachineID:    m.ID,
		Name:         name,
		BinProviders: "env",
	}
	if existing != nil {
		b = existing
	}
	if providers != "" {
		b.BinProviders = providers
	}
	if raw, ok := rec.Fields["overrides"]; ok {
		if enc, err := json.Marshal(raw); err == nil {
			b.Overrides = enc
		}
	}

	if abspath != "" && version != "" {
		// installed, either detected or just installed by a hook
		b.Abspath = abspath
		b.Version = version
		b.SHA256 = rec.Str("sha256")
		if bp := rec.Str("binprovider"); bp != "" {
			b.BinProvider = bp
		} else if b.BinProvider == "" {
			b.BinProvider = "env"
		}
		b.Status = model.StatusInstalled
		b.RetryAt = nil
		return st.UpsertBinary(ctx, b)
	}

	// installation request: queue it unless already installed
	if existing != nil && existing.Status == model.StatusInstalled {
		return nil
	}
	now := time.Now().UTC()
	b.Status = model.StatusQueued
	b.RetryAt = &now
	return st.UpsertBinary(ctx, b)
}

func applyMachine(ctx context.Context, st store.Store, reg *registry.Registry, rec Record) error {
	raw, ok := rec.Fields["config"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	patch := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			patch[k] = s
		} else if b, err := json.Marshal(v); err == nil {
			patch[k] = string(b)
		}
	}
	m, err := reg.Machine(ctx)
	if err != nil {
		return err
	}
	return st.PatchMachineConfig(ctx, m.ID, patch)
}

func applyTag(ctx context.Context, st store.Store, rec Record) error {
	name := rec.Str("name")
	if name == "" {
		return nil
	}
	return st.UpsertTag(ctx, &model.Tag{
		ID:   model.NewID(),
		Name: name,
		Slug: slugify(name),
	})
}

func applyProcess(ctx context.Context, st store.Store, rec Record) error {
	id := rec.Str("id")
	if id == "" || rec.Str("status") != model.ProcessExited {
		return nil
	}
	code := registry.KilledExitCode
	if v, ok := rec.Int("exit_code"); ok {
		code = v
	}
	return st.MarkProcessExited(ctx, id, time.Now().UTC(), code, "", "")
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
