package main

import (
	"fmt"
	"time"

	"github.com/lattice-edge/fairshare/pkg/security"
	"github.com/spf13/cobra"
)

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Inspect and manage the node's mTLS identity material",
}

func init() {
	certsCmd.AddCommand(certsStatusCmd)
	certsCmd.AddCommand(certsValidateCmd)
	certsCmd.AddCommand(certsCleanCmd)

	certsCmd.PersistentFlags().String("cert-dir", "./certs", "Certificate directory")

	rootCmd.AddCommand(certsCmd)
}

var certsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the node's own certificate expiry and rotation status",
	RunE: func(cmd *cobra.Command, args []string) error {
		certDir, _ := cmd.Flags().GetString("cert-dir")

		cert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load node certificate: %w", err)
		}

		info := security.GetCertInfo(cert.Leaf)
		for _, key := range []string{"subject", "issuer", "not_before", "not_after", "is_ca", "key_usage", "ext_key_usage"} {
			fmt.Printf("%-14s %v\n", key+":", info[key])
		}

		remaining := security.GetCertTimeRemaining(cert.Leaf)
		fmt.Printf("%-14s %s\n", "expires in:", remaining.Round(time.Hour))
		if security.CertNeedsRotation(cert.Leaf) {
			fmt.Println("warning: certificate should be rotated")
		}
		return nil
	},
}

var certsValidateCmd = &cobra.Command{
	Use:   "validate <client-name>",
	Short: "Verify a client's CA bundle signs a working certificate chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		certDir, _ := cmd.Flags().GetString("cert-dir")
		clientName := args[0]

		nodeCert, err := security.LoadCertFromFile(certDir)
		if err != nil {
			return fmt.Errorf("load node certificate: %w", err)
		}
		ca, err := security.LoadCACertFromFile(certDir, clientName+".crt")
		if err != nil {
			return fmt.Errorf("load %s ca bundle: %w", clientName, err)
		}

		if err := security.ValidateCertChain(nodeCert.Leaf, ca); err != nil {
			fmt.Printf("node certificate does not chain to %s's CA: %v\n", clientName, err)
			return nil
		}
		fmt.Printf("node certificate validated against %s's CA\n", clientName)
		return nil
	},
}

var certsCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove all certificate material from the certificate directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		certDir, _ := cmd.Flags().GetString("cert-dir")
		if err := security.RemoveCerts(certDir); err != nil {
			return fmt.Errorf("remove certs: %w", err)
		}
		fmt.Printf("removed %s\n", certDir)
		return nil
	},
}
