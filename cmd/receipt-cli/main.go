package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/davidahmann/receipt-verifier/internal/crypto"
	"github.com/davidahmann/receipt-verifier/internal/receipt"
	"github.com/davidahmann/receipt-verifier/pkg/types"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// usageError marks mistakes in how the CLI was invoked (exit code 2).
type usageError struct{ error }

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args[1:])
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintln(stderr, err.Error())
	var uerr usageError
	if errors.As(err, &uerr) {
		fmt.Fprint(stderr, root.UsageString())
		return 2
	}
	return 1
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "receipt-cli",
		Short:         "STREAM receipt tooling",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return usageError{errors.New("a command is required")}
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.AddCommand(newSeedCmd(stdout), newMintCmd(stdout), newInspectCmd(stdout), newVerifyCmd(stdout))
	return root
}

func newSeedCmd(stdout io.Writer) *cobra.Command {
	var asHex bool
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Generate a random receipt seed",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := crypto.RandomSeed()
			if err != nil {
				return err
			}
			if asHex {
				fmt.Fprintln(stdout, "hex:"+hex.EncodeToString(seed))
				return nil
			}
			fmt.Fprintln(stdout, base64.StdEncoding.EncodeToString(seed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asHex, "hex", false, "print the seed hex-encoded")
	return cmd
}

func newMintCmd(stdout io.Writer) *cobra.Command {
	var (
		seedValue string
		nonceB64  string
		streamID  uint8
		total     uint64
		version   uint8
		startTime uint64
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a signed receipt for testing",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			seed, err := loadSeed(seedValue)
			if err != nil {
				return err
			}
			opts := receipt.Options{
				Version:         version,
				StreamID:        streamID,
				TotalReceived:   total,
				StreamStartTime: startTime,
			}
			if nonceB64 == "" {
				opts.Nonce, err = crypto.RandomNonce()
				if err != nil {
					return err
				}
			} else {
				raw, err := base64.StdEncoding.DecodeString(nonceB64)
				if err != nil || len(raw) != crypto.NonceSize {
					return usageError{errors.Errorf("--nonce must be %d base64 bytes", crypto.NonceSize)}
				}
				copy(opts.Nonce[:], raw)
			}
			if version == receipt.Version2 && startTime == 0 {
				opts.StreamStartTime = uint64(time.Now().Unix())
			}

			raw, err := receipt.Mint(seed, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, base64.StdEncoding.EncodeToString(raw))
			return nil
		},
	}
	cmd.Flags().StringVar(&seedValue, "seed", "", "receipt seed (default $RECEIPT_SEED)")
	cmd.Flags().StringVar(&nonceB64, "nonce", "", "base64 nonce (default random)")
	cmd.Flags().Uint8Var(&streamID, "stream", 1, "stream id")
	cmd.Flags().Uint64Var(&total, "total", 0, "total received")
	cmd.Flags().Uint8Var(&version, "version", receipt.CurrentVersion, "receipt layout version")
	cmd.Flags().Uint64Var(&startTime, "start-time", 0, "stream start time, unix seconds (version 2, default now)")
	return cmd
}

func newInspectCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <receipt>",
		Short: "Decode a base64 receipt without checking its HMAC",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(args[0]))
			if err != nil {
				return receipt.ErrMalformed
			}
			rec, err := receipt.Decode(raw)
			if err != nil {
				return err
			}
			printReceipt(stdout, rec)
			return nil
		},
	}
}

func newVerifyCmd(stdout io.Writer) *cobra.Command {
	var (
		seedValue string
		addr      string
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "verify <receipt>",
		Short: "Verify a receipt locally with a seed, or against a running verifier",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return verifyRemote(http.DefaultClient, addr, args[0], jsonOut, stdout)
			}
			seed, err := loadSeed(seedValue)
			if err != nil {
				return err
			}
			rec, err := receipt.Verifier{Seed: seed}.VerifyBase64(args[0])
			if err != nil {
				fmt.Fprintf(stdout, "valid=false error=%s\n", err)
				return errors.New("receipt rejected")
			}
			fmt.Fprintln(stdout, "valid=true")
			printReceipt(stdout, rec)
			return nil
		},
	}
	cmd.Flags().StringVar(&seedValue, "seed", "", "receipt seed (default $RECEIPT_SEED)")
	cmd.Flags().StringVar(&addr, "addr", "", "verifier address, e.g. "+defaultAddr)
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON response (with --addr)")
	return cmd
}

func verifyRemote(client *http.Client, addr, body string, jsonOut bool, stdout io.Writer) error {
	resp, err := client.Post(strings.TrimRight(addr, "/")+"/verify", "text/plain", strings.NewReader(strings.TrimSpace(body)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if jsonOut {
		_, _ = stdout.Write(respBody)
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("verify failed: status %d", resp.StatusCode)
		}
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		var payload types.ErrorResponse
		if json.Unmarshal(respBody, &payload) == nil && payload.Error != "" {
			fmt.Fprintf(stdout, "valid=false error=%s\n", payload.Error)
		}
		return errors.Errorf("verify failed: status %d", resp.StatusCode)
	}

	var payload types.VerifyResponse
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return errors.Wrap(err, "invalid response")
	}
	fmt.Fprintf(stdout, "valid=true amount=%s spsp_endpoint=%s", payload.Amount, payload.SPSPEndpoint)
	if payload.ID != "" {
		fmt.Fprintf(stdout, " id=%s", payload.ID)
	}
	fmt.Fprintln(stdout)
	return nil
}

func printReceipt(w io.Writer, rec receipt.Receipt) {
	fmt.Fprintf(w, "version=%d\nnonce=%s\nstream_id=%d\ntotal_received=%d\n",
		rec.Version, rec.NonceString(), rec.StreamID, rec.TotalReceived)
	if rec.HasStreamStartTime {
		fmt.Fprintf(w, "stream_start_time=%d\n", rec.StreamStartTime)
	}
}

func loadSeed(value string) ([]byte, error) {
	if value == "" {
		value = os.Getenv("RECEIPT_SEED")
	}
	if value == "" {
		return nil, usageError{errors.New("--seed or RECEIPT_SEED is required")}
	}
	return crypto.DecodeSeed(value)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}
