package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/officialcmg/echo/internal/address"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/export"
	"github.com/officialcmg/echo/internal/ledger"
	"github.com/officialcmg/echo/internal/recorder"
	"github.com/officialcmg/echo/internal/signer"
	"github.com/officialcmg/echo/internal/witness"
	"github.com/officialcmg/echo/internal/witness/relay"
	"github.com/officialcmg/echo/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// ── record ───────────────────────────────────────────────────────────────────

var (
	recOut       string
	recProof     string
	recScheme    string
	recWitness   bool
	recRelays    string
	recAlgorithm string
	recTimeout   time.Duration
)

var recordCmd = &cobra.Command{
	Use:   "record <chunk file> [chunk file] ...",
	Short: "Build a sealed chain from chunk files and export it",
	Long: `record appends each chunk to a new revision chain, seals it and writes the
exported artifact.

Files named chunk_<n>.<ext> are ordered by n and keep n as their segment
index, so a missing chunk fails the recording. Other names are taken in
argument order.

With --proof (a hex wallet signature over the derive-key message) every
revision is signed with the derived key. --witness additionally publishes each
revision to nostr relays under the derived nostr identity:

  echoctl derive-key --message
  echoctl record --proof 0xabc... --witness chunk_*.webm`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVarP(&recOut, "out", "o", "", "artifact path (default <session id>.json)")
	recordCmd.Flags().StringVar(&recProof, "proof", "", "hex signing proof used to derive the signing key")
	recordCmd.Flags().StringVar(&recScheme, "scheme", "ed25519", "signature scheme for --proof: ed25519 or nostr")
	recordCmd.Flags().BoolVar(&recWitness, "witness", false, "witness every revision (nostr relays in-process, server medium with --server)")
	recordCmd.Flags().StringVar(&recRelays, "relays", "", "comma-separated nostr relay URLs (default from config key relays)")
	recordCmd.Flags().StringVar(&recAlgorithm, "algorithm", string(address.DefaultAlgorithm), "hash algorithm: sha256, sha3-256 or blake2b-256")
	recordCmd.Flags().DurationVar(&recTimeout, "timeout", 2*time.Minute, "overall timeout")
}

// chunk is one input file with the segment index it will be appended under.
type chunk struct {
	index uint64
	path  string
}

var chunkName = regexp.MustCompile(`^chunk_(\d+)\.[A-Za-z0-9]+$`)

// orderChunks orders paths by their chunk_<n> index when every file follows
// that convention, and by argument order otherwise.
func orderChunks(paths []string) []chunk {
	out := make([]chunk, len(paths))
	numbered := true
	for i, p := range paths {
		out[i] = chunk{index: uint64(i), path: p}
		m := chunkName.FindStringSubmatch(filepath.Base(p))
		if m == nil {
			numbered = false
			continue
		}
		n, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			numbered = false
			continue
		}
		out[i].index = n
	}
	if !numbered {
		for i := range out {
			out[i].index = uint64(i)
		}
		return out
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

func readSegment(c chunk) (chain.Segment, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return chain.Segment{}, fmt.Errorf("read %s: %w", c.path, err)
	}
	seg := chain.Segment{Index: c.index, Data: data}
	if st, err := os.Stat(c.path); err == nil {
		seg.CapturedAt = st.ModTime().UTC()
	}
	return seg, nil
}

// signingCapability derives the revision signing key from a hex proof.
func signingCapability(proofHex, scheme string) (signer.Capability, error) {
	if proofHex == "" {
		return nil, nil
	}
	proof, err := signer.DecodeProof(proofHex)
	if err != nil {
		return nil, err
	}
	var d signer.KeyDeriver
	switch scheme {
	case "ed25519":
		d = signer.HKDFDeriver{}
	case "nostr":
		d = signer.NostrDeriver{}
	default:
		return nil, fmt.Errorf("unknown scheme %q (want ed25519 or nostr)", scheme)
	}
	return d.Derive(proof)
}

type recordOptions struct {
	chunks     []chunk
	algorithm  address.Algorithm
	capability signer.Capability
	witness    witness.Broadcaster // nil disables witnessing
	witnessID  string
}

// recordLocal builds, signs, witnesses, seals and exports a chain in-process.
func recordLocal(ctx context.Context, opts recordOptions, logger *zap.Logger) (*export.Artifact, error) {
	var d *witness.Dispatcher
	if opts.witness != nil {
		a := witness.NewAttacher(opts.witness, logger)
		d = witness.NewDispatcher(a, witness.DispatcherConfig{}, logger)
	}
	mgr, err := recorder.NewManager(ledger.NewMemoryStore(), d, recorder.Config{
		Algorithm:       opts.algorithm,
		WitnessIdentity: opts.witnessID,
	}, logger)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	s, err := mgr.Start(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range opts.chunks {
		seg, err := readSegment(c)
		if err != nil {
			return nil, err
		}
		rev, err := s.Ingest(ctx, seg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", c.path, err)
		}
		if opts.capability != nil {
			if _, err := s.Sign(ctx, rev.SequenceIndex, opts.capability); err != nil {
				return nil, fmt.Errorf("sign %s: %w", c.path, err)
			}
		}
		if d != nil {
			if err := s.Witness(rev.SequenceIndex); err != nil {
				return nil, err
			}
		}
	}
	if d != nil {
		d.Wait()
	}
	if _, err := s.Seal(ctx); err != nil {
		return nil, err
	}
	return s.Export(ctx)
}

// recordRemote streams the chunks to an echod server.
func recordRemote(ctx context.Context, c *client.Client, opts recordOptions, witnessAll bool) (*export.Artifact, error) {
	info, err := c.StartSession(ctx)
	if err != nil {
		return nil, err
	}
	for _, ch := range opts.chunks {
		seg, err := readSegment(ch)
		if err != nil {
			return nil, err
		}
		rev, err := c.Ingest(ctx, info.ID, seg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ch.path, err)
		}
		if opts.capability != nil {
			if _, err := c.Sign(ctx, info.ID, rev.SequenceIndex, opts.capability); err != nil {
				return nil, fmt.Errorf("sign %s: %w", ch.path, err)
			}
		}
		if witnessAll {
			if _, err := c.WitnessNow(ctx, info.ID, rev.SequenceIndex); err != nil {
				return nil, fmt.Errorf("witness %s: %w", ch.path, err)
			}
		}
	}
	if _, err := c.Seal(ctx, info.ID); err != nil {
		return nil, err
	}
	return c.Export(ctx, info.ID)
}

func runRecord(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(cmd.Context(), recTimeout)
	defer cancel()

	capability, err := signingCapability(recProof, recScheme)
	if err != nil {
		return err
	}
	opts := recordOptions{
		chunks:     orderChunks(args),
		algorithm:  address.Algorithm(recAlgorithm),
		capability: capability,
	}

	var a *export.Artifact
	if serverURL != "" {
		c, err := client.New(serverURL, client.WithTimeout(recTimeout))
		if err != nil {
			return err
		}
		a, err = recordRemote(ctx, c, opts, recWitness)
		if err != nil {
			return err
		}
	} else {
		if recWitness {
			b, id, err := relayBroadcaster(logger)
			if err != nil {
				return err
			}
			opts.witness, opts.witnessID = b, id
		}
		a, err = recordLocal(ctx, opts, logger)
		if err != nil {
			return err
		}
	}

	out := recOut
	if out == "" {
		out = a.ChainID + ".json"
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	defer f.Close()
	if err := export.Encode(f, a); err != nil {
		return err
	}

	fmt.Printf("Chain:      %s\n", a.ChainID)
	fmt.Printf("Algorithm:  %s\n", a.Algorithm)
	fmt.Printf("Revisions:  %d\n", len(a.Revisions))
	if n := len(a.Revisions); n > 0 {
		fmt.Printf("Tip:        %s\n", a.Revisions[n-1].SelfHash)
	}
	if a.Metadata.PublicIdentity != "" {
		fmt.Printf("Signed by:  %s\n", a.Metadata.PublicIdentity)
	}
	if a.Metadata.WitnessIdentity != "" {
		fmt.Printf("Witness:    %s (%d revisions)\n", a.Metadata.WitnessIdentity, len(a.Receipts))
	}
	fmt.Printf("Artifact:   %s\n", out)
	return nil
}

// relayBroadcaster builds the nostr broadcaster for in-process witnessing.
// The relay key is the nostr identity derived from --proof.
func relayBroadcaster(logger *zap.Logger) (witness.Broadcaster, string, error) {
	if recProof == "" {
		return nil, "", errors.New("--witness needs --proof to derive the nostr identity")
	}
	proof, err := signer.DecodeProof(recProof)
	if err != nil {
		return nil, "", err
	}
	id, err := signer.DeriveNostrIdentity(proof)
	if err != nil {
		return nil, "", err
	}
	relays := recRelays
	if relays == "" {
		relays = viper.GetString("relays")
	}
	b, err := relay.New(relay.Config{Relays: relay.ParseRelays(relays), Key: id.Key}, logger)
	if err != nil {
		return nil, "", err
	}
	return b, id.Key.PublicIdentity(), nil
}
