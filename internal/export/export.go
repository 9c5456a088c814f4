// Package export builds the portable artifact of a sealed recording: the
// ordered revision list, the raw segment bytes and the receipt side-table.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/verify"
)

// Format identifies the artifact layout.
const Format = "echo-artifact/1"

var (
	// ErrNotSealed is returned when exporting a chain that can still grow.
	ErrNotSealed = errors.New("export: chain is not sealed")

	// ErrFormat is returned when decoding an artifact of an unknown format.
	ErrFormat = errors.New("export: unsupported artifact format")
)

// SegmentFile is one raw chunk in the artifact.
type SegmentFile struct {
	Index      uint64    `json:"index"`
	FileName   string    `json:"file_name"`
	CapturedAt time.Time `json:"captured_at"`
	Data       []byte    `json:"data"`
}

// Metadata describes the recording.
type Metadata struct {
	TotalChunks     int    `json:"total_chunks"`
	DurationMs      int64  `json:"duration_ms"`
	PublicIdentity  string `json:"public_identity,omitempty"`
	WitnessIdentity string `json:"witness_identity,omitempty"`
}

// Artifact is the exported form of a sealed chain.
type Artifact struct {
	Format    string                           `json:"format"`
	ChainID   string                           `json:"chain_id"`
	Algorithm address.Algorithm                `json:"algorithm"`
	StartedAt time.Time                        `json:"started_at"`
	SealedAt  time.Time                        `json:"sealed_at"`
	Revisions []chain.Revision                 `json:"revisions"`
	Segments  []SegmentFile                    `json:"segments"`
	Receipts  map[address.Hash][]chain.Receipt `json:"receipts"`
	Metadata  Metadata                         `json:"metadata"`
}

// Info carries the session facts that are not part of the chain.
type Info struct {
	StartedAt       time.Time
	SealedAt        time.Time
	PublicIdentity  string
	WitnessIdentity string
}

// FileName is the conventional name of chunk i.
func FileName(i uint64) string { return fmt.Sprintf("chunk_%d.webm", i) }

// Build assembles the artifact for c. Every revision needs its segment and the
// bytes must match the recorded contentHash.
func Build(c *chain.Chain, segments []chain.Segment, receipts map[address.Hash][]chain.Receipt, info Info) (*Artifact, error) {
	if !c.Sealed() {
		return nil, ErrNotSealed
	}
	revs := c.Revisions()

	byIndex := make(map[uint64]chain.Segment, len(segments))
	for _, s := range segments {
		byIndex[s.Index] = s
	}

	files := make([]SegmentFile, 0, len(revs))
	for _, r := range revs {
		s, ok := byIndex[r.SequenceIndex]
		if !ok {
			return nil, fmt.Errorf("export: missing segment %d", r.SequenceIndex)
		}
		if !address.Matches(r.ContentHash, s.Data) {
			return nil, fmt.Errorf("export: segment %d does not match its revision", r.SequenceIndex)
		}
		files = append(files, SegmentFile{
			Index:      s.Index,
			FileName:   FileName(s.Index),
			CapturedAt: s.CapturedAt,
			Data:       append([]byte(nil), s.Data...),
		})
	}

	table := make(map[address.Hash][]chain.Receipt)
	for _, r := range revs {
		if list := receipts[r.SelfHash]; len(list) > 0 {
			table[r.SelfHash] = append([]chain.Receipt(nil), list...)
		}
	}

	a := &Artifact{
		Format:    Format,
		ChainID:   c.ID(),
		Algorithm: c.Algorithm(),
		StartedAt: info.StartedAt.UTC(),
		SealedAt:  info.SealedAt.UTC(),
		Revisions: revs,
		Segments:  files,
		Receipts:  table,
		Metadata: Metadata{
			TotalChunks:     len(revs),
			PublicIdentity:  info.PublicIdentity,
			WitnessIdentity: info.WitnessIdentity,
		},
	}
	if !info.StartedAt.IsZero() && info.SealedAt.After(info.StartedAt) {
		a.Metadata.DurationMs = info.SealedAt.Sub(info.StartedAt).Milliseconds()
	}
	return a, nil
}

// Encode writes a as indented JSON.
func Encode(w io.Writer, a *Artifact) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	return nil
}

// Decode reads an artifact written by Encode.
func Decode(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	if a.Format != Format {
		return nil, fmt.Errorf("%w: %q", ErrFormat, a.Format)
	}
	return &a, nil
}

// VerifyInput returns the verifier input the artifact carries. Revisions keep
// their listed order.
func (a *Artifact) VerifyInput() verify.Input {
	segs := make(map[uint64][]byte, len(a.Segments))
	for _, s := range a.Segments {
		segs[s.Index] = s.Data
	}
	return verify.Input{
		Revisions: a.Revisions,
		Receipts:  a.Receipts,
		Segments:  segs,
	}
}

// SortedSegments returns the segment files ordered by index.
func (a *Artifact) SortedSegments() []SegmentFile {
	out := append([]SegmentFile(nil), a.Segments...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
