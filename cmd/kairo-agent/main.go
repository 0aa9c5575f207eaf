// kairo-agent is the command line side of a kairo mesh agent: it holds the
// agent's Ed25519 identity, registers with a seed node, sends sealed
// envelopes over the mesh socket and signs quorum override packages.
//
// Usage:
//
//	kairo-agent keygen
//	kairo-agent register --seed http://localhost:8080
//	kairo-agent send --seed http://localhost:8080 "hello mesh"
//	kairo-agent revoke --seed http://localhost:8080
//	kairo-agent override sign --package pkg.json --signatory auditor-1 --role HumanAuditor
//	kairo-agent override submit --seed http://localhost:8080 --package pkg.json
package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ssd-technologies/kairo/internal/agent"
	"github.com/ssd-technologies/kairo/internal/crypto"
	"github.com/ssd-technologies/kairo/internal/governance"
	"github.com/ssd-technologies/kairo/internal/logging"
	"github.com/ssd-technologies/kairo/internal/mesh"
	"github.com/ssd-technologies/kairo/internal/ratelimit"
)

var (
	dataDir string
	seedURL string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "kairo-agent",
		Short:        "Kairo mesh agent",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.kairo/agent)")
	rootCmd.PersistentFlags().StringVar(&seedURL, "seed", envOr("KAIRO_SEED_URL", "http://localhost:8080"), "seed node base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		keygenCmd(),
		registerCmd(),
		statusCmd(),
		sendCmd(),
		revokeCmd(),
		overrideCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// resolveDataDir returns the data directory, using the explicit path if
// provided, otherwise defaulting to ~/.kairo/agent.
func resolveDataDir() (string, error) {
	if dataDir != "" {
		return dataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".kairo", "agent"), nil
}

func loadIdentity() (agent.Identity, error) {
	dir, err := resolveDataDir()
	if err != nil {
		return agent.Identity{}, err
	}
	id, _, err := agent.LoadOrCreateIdentity(filepath.Join(dir, "agent.key"))
	return id, err
}

func newLogger() (*zap.Logger, error) {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, _, err := logging.New(logging.Config{Level: level, Development: true})
	return logger, err
}

// call sends a request signed by id to the seed node and decodes the JSON
// response into out. Non-2xx responses become errors carrying the server's
// message.
func call(ctx context.Context, id agent.Identity, method, path string, body any, out any) error {
	var raw []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = b
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(seedURL, "/")+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if id.Priv != nil {
		agent.SignRequest(req, id.ID, id.Priv, raw)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create (or show) the agent's Ed25519 identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			fmt.Printf("Agent ID:   %s\n", id.ID)
			fmt.Printf("Public key: %s\n", hex.EncodeToString(id.Pub))
			return nil
		},
	}
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register with the seed node and obtain a P-address",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			var out map[string]any
			err = call(cmd.Context(), id, http.MethodPost, "/api/agents",
				map[string]string{"public_key": hex.EncodeToString(id.Pub)}, &out)
			if err != nil {
				return err
			}
			fmt.Printf("Agent ID:  %s\nP-address: %v\n", id.ID, out["p_address"])
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show this agent's registry and trust records",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			var rec, tr map[string]any
			if err := call(cmd.Context(), id, http.MethodGet, "/api/agents/"+id.ID, nil, &rec); err != nil {
				return err
			}
			out := map[string]any{"agent": rec}
			if err := call(cmd.Context(), id, http.MethodGet, "/api/trust/"+id.ID, nil, &tr); err == nil {
				out["trust"] = tr
			}
			return printJSON(out)
		},
	}
}

func sendCmd() *cobra.Command {
	var (
		suite    string
		compress string
		count    int
	)
	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Seal and send a payload over the mesh socket (stdin when no message is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var payload []byte
			if len(args) == 1 {
				payload = []byte(args[0])
			} else {
				payload, err = io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
			}

			comp, err := mesh.ParseCompression(compress)
			if err != nil {
				return err
			}
			wsURL, err := socketURL(seedURL)
			if err != nil {
				return err
			}
			rates, err := ratelimit.NewTable(100, 1, 1000, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			c, err := mesh.Dial(ctx, mesh.ClientConfig{
				URL:         wsURL,
				AgentID:     id.ID,
				Key:         id.Priv,
				Suite:       suite,
				Compression: comp,
				Rates:       rates,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			defer c.Close()

			for i := 0; i < count; i++ {
				ack, err := c.Send(ctx, payload)
				if err != nil {
					var ae *mesh.AckError
					if errors.As(err, &ae) {
						return fmt.Errorf("envelope rejected: %s", ae.Kind)
					}
					return err
				}
				fmt.Printf("accepted id=%s seq=%d from %s\n", ack.ID, ack.Sequence, c.Address())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&suite, "cipher", crypto.CipherChaCha, "payload cipher (must match the seed node)")
	cmd.Flags().StringVar(&compress, "compress", "none", "payload compression: none, lz4 or zstd")
	cmd.Flags().IntVar(&count, "count", 1, "number of copies to send")
	return cmd
}

// socketURL turns a seed base URL into its mesh websocket URL.
func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse seed url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/mesh/ws"
	return u.String(), nil
}

func revokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke",
		Short: "Revoke this agent's own registration",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := call(cmd.Context(), id, http.MethodPost, "/api/agents/"+id.ID+"/revoke", nil, &out); err != nil {
				return err
			}
			fmt.Printf("revoked %s (%v)\n", id.ID, out["p_address"])
			return nil
		},
	}
}

func overrideCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Prepare, sign and submit emergency reissue packages",
	}

	var (
		pkgPath   string
		oldAgent  string
		newKey    string
		reason    string
		signatory string
		role      string
	)
	sign := &cobra.Command{
		Use:   "sign",
		Short: "Add this identity's signature to an override package (created if missing)",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := loadIdentity()
			if err != nil {
				return err
			}
			r, err := governance.ParseRole(role)
			if err != nil {
				return err
			}
			pkg, err := readPackage(pkgPath)
			if err != nil {
				return err
			}
			if pkg == nil {
				if oldAgent == "" || newKey == "" {
					return errors.New("--old-agent and --new-key are required for a new package")
				}
				pkg = &governance.OverridePackage{Payload: governance.ReissueRequest{
					OldAgentID:   oldAgent,
					NewPublicKey: newKey,
					Reason:       reason,
					Timestamp:    time.Now().Unix(),
				}}
			}
			if signatory == "" {
				signatory = id.ID
			}
			sig, err := governance.Sign(id.Priv, signatory, r, pkg.Payload)
			if err != nil {
				return err
			}
			pkg.Signatures = append(pkg.Signatures, sig)
			if err := writePackage(pkgPath, pkg); err != nil {
				return err
			}
			fmt.Printf("%s signed as %s (%d signatures)\n", pkgPath, r, len(pkg.Signatures))
			return nil
		},
	}
	sign.Flags().StringVar(&pkgPath, "package", "override.json", "override package file")
	sign.Flags().StringVar(&oldAgent, "old-agent", "", "agent ID to reissue")
	sign.Flags().StringVar(&newKey, "new-key", "", "hex Ed25519 public key to bind")
	sign.Flags().StringVar(&reason, "reason", "", "reason recorded in the payload")
	sign.Flags().StringVar(&signatory, "signatory", "", "signatory ID in the quorum directory (default agent ID)")
	sign.Flags().StringVar(&role, "role", "", "SeedNode, PeerAI or HumanAuditor")
	sign.MarkFlagRequired("role")

	var submitPath string
	submit := &cobra.Command{
		Use:   "submit",
		Short: "Submit an override package to the seed node",
		RunE: func(cmd *cobra.Command, args []string) error {
			pkg, err := readPackage(submitPath)
			if err != nil {
				return err
			}
			if pkg == nil {
				return fmt.Errorf("%s does not exist", submitPath)
			}
			var verdict map[string]any
			if err := call(cmd.Context(), agent.Identity{}, http.MethodPost, "/api/governance/verify", pkg, &verdict); err != nil {
				return err
			}
			if verdict["accepted"] != true {
				return fmt.Errorf("quorum not met: valid signatories %v", verdict["valid"])
			}
			var out map[string]any
			if err := call(cmd.Context(), agent.Identity{}, http.MethodPost, "/api/governance/emergency-reissue", pkg, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	submit.Flags().StringVar(&submitPath, "package", "override.json", "override package file")

	cmd.AddCommand(sign, submit)
	return cmd
}

// readPackage returns nil without error when path does not exist.
func readPackage(path string) (*governance.OverridePackage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var pkg governance.OverridePackage
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &pkg, nil
}

func writePackage(path string, pkg *governance.OverridePackage) error {
	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0600)
}
