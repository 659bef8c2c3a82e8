package types

import (
	"fmt"
	"time"
)

type Prediction struct {
	ModelId  string
	InputKey string
	Input    string
	Output   []any
}

func (p Prediction) Key() CacheKey {
	return CacheKey{InputKey: p.InputKey, ModelId: p.ModelId}
}

// CacheKey is the composite address of one cache entry.
type CacheKey struct {
	InputKey string
	ModelId  string
}

func (k CacheKey) String() string {
	return fmt.Sprintf("(%s, %s)", k.InputKey, k.ModelId)
}

type CachedPrediction struct {
	Prediction
	WrittenAt time.Time
}

type RequestBatch struct {
	RequestId  string
	ModelId    string
	Identities []string
}

// LookupRow is one identity of a request joined with its cached prediction.
type LookupRow struct {
	InputKey string
	Input    string
	Output   []any
}

type Coverage struct {
	RequestId string
	ModelId   string
	Requested int
	Matched   int
}

func (c Coverage) Complete() bool {
	return c.Requested > 0 && c.Requested == c.Matched
}

type Range struct {
	Start int
	End   int
}

func (r Range) Len() int {
	return r.End - r.Start
}

type ShardSpec struct {
	Numerator   int
	Denominator int
	SampleSize  int
}

const ReferenceLibraryName = "reference_library"

// ReferenceKey is the blob key of the reference input set this shard reads from.
func (s ShardSpec) ReferenceKey() string {
	if s.SampleSize > 0 {
		return fmt.Sprintf("%s_%d.csv", ReferenceLibraryName, s.SampleSize)
	}
	return ReferenceLibraryName + ".csv"
}
