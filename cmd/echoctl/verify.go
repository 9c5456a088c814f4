package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/officialcmg/echo/internal/export"
	"github.com/officialcmg/echo/internal/verify"
	"github.com/officialcmg/echo/pkg/client"
	"github.com/spf13/cobra"
)

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verFormat           string
	verMinConfirmations int
	verRequireSignature bool
	verRequireWitness   bool
	verAttest           bool
	verTimeout          time.Duration
)

var verifyCmd = &cobra.Command{
	Use:   "verify <artifact.json>",
	Short: "Verify an exported chain",
	Long: `verify recomputes every revision hash, checks the links in the order the
artifact lists them, validates signatures and counts witness confirmations.

The command exits non-zero unless the verdict is VERIFIED. With --server the
artifact is verified by echod, which can also return a signed attestation:

  echoctl verify --server http://localhost:8080 --attest recording.json`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verFormat, "format", "text", "Output format: text or json")
	verifyCmd.Flags().IntVar(&verMinConfirmations, "min-confirmations", verify.DefaultMinConfirmations, "witness endpoints needed for full confidence")
	verifyCmd.Flags().BoolVar(&verRequireSignature, "require-signature", false, "fail unsigned revisions")
	verifyCmd.Flags().BoolVar(&verRequireWitness, "require-witness", false, "fail revisions below --min-confirmations")
	verifyCmd.Flags().BoolVar(&verAttest, "attest", false, "request a signed attestation (requires --server)")
	verifyCmd.Flags().DurationVar(&verTimeout, "timeout", time.Minute, "overall timeout")
}

func runVerify(cmd *cobra.Command, args []string) error {
	if verAttest && serverURL == "" {
		return fmt.Errorf("--attest requires --server")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	a, err := export.Decode(f)
	if err != nil {
		return err
	}

	policy := verify.Policy{
		MinConfirmations: verMinConfirmations,
		RequireSignature: verRequireSignature,
		RequireWitness:   verRequireWitness,
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), verTimeout)
	defer cancel()

	var (
		report      *verify.Report
		attestation string
	)
	if serverURL != "" {
		c, err := client.New(serverURL, client.WithTimeout(verTimeout))
		if err != nil {
			return err
		}
		res, err := c.VerifyArtifact(ctx, a, policy, verAttest)
		if err != nil {
			return err
		}
		report, attestation = res.Report, res.Attestation
	} else {
		report, err = verify.Verify(ctx, a.VerifyInput(), policy)
		if err != nil {
			return err
		}
	}

	switch verFormat {
	case "json":
		err = printReportJSON(os.Stdout, a.ChainID, report, attestation)
	default:
		err = printReportText(os.Stdout, a.ChainID, report, attestation)
	}
	if err != nil {
		return err
	}
	if !report.Verified() {
		return fmt.Errorf("chain %s: %s at position %d", a.ChainID, report.Verdict, report.FailedAt)
	}
	return nil
}

func printReportJSON(w io.Writer, chainID string, r *verify.Report, attestation string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		ChainID     string         `json:"chain_id"`
		Report      *verify.Report `json:"report"`
		Attestation string         `json:"attestation,omitempty"`
	}{chainID, r, attestation})
}

func printReportText(w io.Writer, chainID string, r *verify.Report, attestation string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POS\tSEQ\tSTATUS\tCONFIRMATIONS\tSELF HASH\tREASON")
	for _, rr := range r.Revisions {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\t%s\n",
			rr.Position, rr.SequenceIndex, rr.Status, rr.Confirmations, rr.SelfHash, rr.Reason)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Chain:    %s\n", chainID)
	fmt.Fprintf(w, "Verdict:  %s\n", r.Verdict)
	if !r.Verified() && r.FailedAt >= 0 {
		fmt.Fprintf(w, "Failed at position %d\n", r.FailedAt)
	}
	if attestation != "" {
		fmt.Fprintf(w, "Attestation:\n%s\n", attestation)
	}
	return nil
}
