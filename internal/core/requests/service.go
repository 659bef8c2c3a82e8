package requests

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"precalc-backend/internal/core/normalize"
	"precalc-backend/internal/core/types"
	"precalc-backend/internal/metrics"
	"precalc-backend/internal/storage"
)

const DefaultPresignTTL = time.Hour

type ServiceOptions struct {
	// Blobs and Bucket are only needed for Export.
	Blobs        storage.BlobStore
	Bucket       string
	OutputPrefix string
	PresignTTL   time.Duration
}

type Service struct {
	log   storage.RequestLog
	query storage.QueryEngine
	cache storage.PredictionCache
	opts  ServiceOptions
}

func NewService(log storage.RequestLog, query storage.QueryEngine, cache storage.PredictionCache, opts ServiceOptions) *Service {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = DefaultPresignTTL
	}
	return &Service{log: log, query: query, cache: cache, opts: opts}
}

var embeddedWhitespace = strings.NewReplacer("\r", "", "\n", "", "\t", "")

// Canonicalize trims an identity and removes embedded line breaks and tabs.
func Canonicalize(identity string) string {
	return embeddedWhitespace.Replace(strings.TrimSpace(identity))
}

func canonicalizeAll(identities []string) []string {
	out := make([]string, 0, len(identities))
	for _, identity := range identities {
		if c := Canonicalize(identity); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Fingerprint hashes the set of identities. Order and duplicates do not
// change the result.
func Fingerprint(identities []string) string {
	distinct := make([]string, 0, len(identities))
	seen := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		if _, ok := seen[identity]; ok {
			continue
		}
		seen[identity] = struct{}{}
		distinct = append(distinct, identity)
	}
	sort.Strings(distinct)

	h := sha256.New()
	for _, identity := range distinct {
		h.Write([]byte(identity))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// RegisterRequest records identities under requestId. Registering the same
// content again is a no-op, registering different content under an existing id
// fails with types.ErrRequestConflict.
func (s *Service) RegisterRequest(ctx context.Context, requestId, modelId string, identities []string) error {
	if requestId == "" {
		return fmt.Errorf("request id must not be empty")
	}
	if modelId == "" {
		return fmt.Errorf("model id must not be empty for request %s", requestId)
	}

	canonical := canonicalizeAll(identities)
	fingerprint := Fingerprint(canonical)

	stored, created, err := s.log.CreateBatch(ctx, types.RequestBatch{
		RequestId:  requestId,
		ModelId:    modelId,
		Identities: canonical,
	}, fingerprint)
	if err != nil {
		return fmt.Errorf("error registering request %s: %w", requestId, err)
	}

	if !created {
		if stored.Fingerprint != fingerprint || stored.ModelId != modelId {
			return fmt.Errorf("request %s: %w", requestId, types.ErrRequestConflict)
		}
		slog.Info("request already registered", "request_id", requestId, "model_id", modelId)
		return nil
	}

	slog.Info("registered request", "request_id", requestId, "model_id", modelId, "inputs", stored.InputCount, "distinct", stored.DistinctCount)
	return nil
}

// Lookup returns the cached prediction of every distinct identity of the
// request that has one, in order of first appearance in the request.
func (s *Service) Lookup(ctx context.Context, requestId, modelId string) ([]types.LookupRow, error) {
	start := time.Now()

	rows, err := s.lookup(ctx, requestId, modelId)

	outcome := "ok"
	switch {
	case errors.Is(err, types.ErrQueryTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	metrics.LookupDuration.WithLabelValues(modelId, outcome).Observe(time.Since(start).Seconds())

	return rows, err
}

func (s *Service) lookup(ctx context.Context, requestId, modelId string) ([]types.LookupRow, error) {
	if _, err := s.log.GetBatch(ctx, requestId); err != nil {
		return nil, err
	}

	rows, err := s.query.JoinRequest(ctx, requestId, modelId)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Service) Availability(ctx context.Context, modelId string) (bool, error) {
	exists, err := s.cache.Exists(ctx, modelId)
	if err != nil {
		return false, fmt.Errorf("error checking availability of model %s: %w", modelId, err)
	}
	return exists, nil
}

func (s *Service) Coverage(ctx context.Context, requestId, modelId string) (types.Coverage, error) {
	_, coverage, err := s.LookupWithCoverage(ctx, requestId, modelId)
	return coverage, err
}

// LookupWithCoverage is Lookup together with how many of the request's
// distinct identities were matched.
func (s *Service) LookupWithCoverage(ctx context.Context, requestId, modelId string) ([]types.LookupRow, types.Coverage, error) {
	batch, err := s.log.GetBatch(ctx, requestId)
	if err != nil {
		return nil, types.Coverage{}, err
	}

	rows, err := s.Lookup(ctx, requestId, modelId)
	if err != nil {
		return nil, types.Coverage{}, err
	}

	return rows, types.Coverage{
		RequestId: requestId,
		ModelId:   modelId,
		Requested: batch.DistinctCount,
		Matched:   len(rows),
	}, nil
}

func ExportKey(prefix, modelId, requestId string) string {
	return path.Join(prefix, modelId, requestId+".csv")
}

func exportTable(rows []types.LookupRow) (normalize.Table, error) {
	table := normalize.Table{Columns: []string{normalize.KeyColumn, normalize.InputColumn, "output"}}
	for _, row := range rows {
		output, err := json.Marshal(row.Output)
		if err != nil {
			return normalize.Table{}, fmt.Errorf("error encoding output for %s: %w", row.InputKey, err)
		}
		table.Rows = append(table.Rows, []string{row.InputKey, row.Input, string(output)})
	}
	return table, nil
}

// Export writes the lookup result of the request as a csv object and returns
// a presigned url to it.
func (s *Service) Export(ctx context.Context, requestId, modelId string) (string, error) {
	if s.opts.Blobs == nil {
		return "", fmt.Errorf("export is not configured")
	}

	rows, err := s.Lookup(ctx, requestId, modelId)
	if err != nil {
		return "", err
	}

	table, err := exportTable(rows)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := normalize.WriteCSV(&buf, table); err != nil {
		return "", fmt.Errorf("error writing export for request %s: %w", requestId, err)
	}

	key := ExportKey(s.opts.OutputPrefix, modelId, requestId)
	if err := s.opts.Blobs.PutObject(ctx, s.opts.Bucket, key, &buf); err != nil {
		return "", fmt.Errorf("error uploading export for request %s: %w", requestId, err)
	}

	url, err := s.opts.Blobs.PresignGet(ctx, s.opts.Bucket, key, s.opts.PresignTTL)
	if err != nil {
		return "", fmt.Errorf("error presigning export for request %s: %w", requestId, err)
	}

	slog.Info("exported request", "request_id", requestId, "model_id", modelId, "rows", len(rows), "key", key)
	return url, nil
}

// BatchGet looks up predictions directly by input key. Keys without a cached
// prediction are omitted.
func (s *Service) BatchGet(ctx context.Context, modelId string, inputKeys []string) ([]types.CachedPrediction, error) {
	seen := make(map[string]bool, len(inputKeys))
	keys := make([]string, 0, len(inputKeys))
	for _, key := range inputKeys {
		key = strings.TrimSpace(key)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}

	found, err := s.cache.BatchGet(ctx, modelId, keys)
	if err != nil {
		return nil, fmt.Errorf("error reading predictions for model %s: %w", modelId, err)
	}
	return found, nil
}
