package main

import (
	"fmt"
	"time"

	"github.com/officialcmg/echo/internal/signer"
	"github.com/spf13/cobra"
)

// ── derive-key ───────────────────────────────────────────────────────────────

var (
	dkProof      string
	dkMessage    bool
	dkShowSecret bool
)

var deriveKeyCmd = &cobra.Command{
	Use:   "derive-key",
	Short: "Derive the signing and witnessing identities from a wallet signature",
	Long: `derive-key prints the identities record --proof will use.

Run it with --message first, sign the printed text with your wallet, then pass
the hex signature as --proof. The same signature always yields the same keys,
so nothing has to be stored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dkMessage {
			fmt.Println(signer.DerivationMessage(time.Now()))
			return nil
		}
		if dkProof == "" {
			return fmt.Errorf("--proof is required (or use --message)")
		}
		proof, err := signer.DecodeProof(dkProof)
		if err != nil {
			return err
		}

		id, err := signer.DeriveNostrIdentity(proof)
		if err != nil {
			return err
		}
		ed, err := signer.HKDFDeriver{}.Derive(proof)
		if err != nil {
			return err
		}

		fmt.Printf("Nostr identity:    %s\n", id.Key.PublicIdentity())
		fmt.Printf("npub:              %s\n", id.NPub)
		if dkShowSecret {
			fmt.Printf("nsec:              %s\n", id.NSec)
		}
		fmt.Printf("Ed25519 identity:  %s\n", ed.PublicIdentity())
		return nil
	},
}

func init() {
	deriveKeyCmd.Flags().StringVar(&dkProof, "proof", "", "hex wallet signature over the derivation message")
	deriveKeyCmd.Flags().BoolVar(&dkMessage, "message", false, "print the message to sign and exit")
	deriveKeyCmd.Flags().BoolVar(&dkShowSecret, "show-secret", false, "also print the nsec")
}
