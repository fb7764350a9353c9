package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"custody-signer/go-backend/internal/adapters/rpc"
	"custody-signer/go-backend/internal/clientflow"
	"custody-signer/go-backend/internal/composition/daemonserver"
	"custody-signer/go-backend/internal/config"
	"custody-signer/go-backend/internal/domains/contracts"
	"custody-signer/go-backend/internal/identity"
	"custody-signer/go-backend/internal/ledger"
	"custody-signer/go-backend/internal/nodeagent"
	"custody-signer/go-backend/pkg/models"
)

const (
	exitOK            = 0
	exitInvalidInput  = 10
	exitNetworkFailed = 20
	exitTokenRejected = 30
	exitCustodyFailed = 40
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitInvalidInput)
	}

	switch os.Args[1] {
	case "demo":
		runDemo(os.Args[2:])
	case "doctor":
		runDoctor(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	case "sealing-key":
		runSealingKey(os.Args[2:])
	case "wallet":
		runWallet(os.Args[2:])
	default:
		printUsage()
		os.Exit(exitInvalidInput)
	}
}

type commonFlags struct {
	configPath *string
	endpoint   *string
	token      *string
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "Path to custody.yaml (optional)"),
		endpoint:   fs.String("rpc-endpoint", "", "daemon endpoint, URL or multiaddr (overrides config)"),
		token:      fs.String("rpc-token", "", "RPC token (overrides config)"),
	}
}

func (c commonFlags) load() config.Config {
	cfg, err := config.LoadFromPath(*c.configPath)
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	if strings.TrimSpace(*c.endpoint) != "" {
		cfg.ClientEndpoint = *c.endpoint
	}
	if strings.TrimSpace(*c.token) != "" {
		cfg.RPCToken = *c.token
	}
	return cfg
}

func runDemo(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	common := registerCommon(fs)
	keyType := fs.String("key-type", string(models.KeyTypeEd25519), "chain key type: ed25519 | secp256k1")
	broadcast := fs.String("broadcast", "none", "none | dry-run | ledger")
	recipient := fs.String("to", clientflow.DefaultRecipient, "transfer recipient")
	amount := fs.String("amount", clientflow.DefaultAmount, "transfer amount in minimal units")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	cfg := common.load()

	logger, err := daemonserver.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	opts := clientflow.Options{
		Logger:    logger,
		KeyType:   models.KeyType(*keyType),
		Recipient: *recipient,
		Amount:    *amount,
	}
	switch *broadcast {
	case "none":
	case "dry-run":
		opts.Broadcaster = ledger.DryRun{}
	case "ledger":
		b, err := ledger.NewJSONRPCBroadcaster(cfg.LedgerEndpoint, ledger.JSONRPCOptions{Timeout: cfg.ClientTimeout})
		if err != nil {
			writeStderrln(err.Error(), exitInvalidInput)
		}
		opts.Broadcaster = b
	default:
		writeStderrln("unknown broadcast mode: "+*broadcast, exitInvalidInput)
	}

	report, err := clientflow.Run(context.Background(), clientflow.RPCDialer(cfg), opts)
	if err != nil {
		writeStderrln(err.Error(), exitCodeFor(err))
	}
	out := map[string]any{
		"wallet_address":   report.WalletAddress,
		"identity_id":      report.IdentityID,
		"entry_id":         report.EntryID,
		"chain_public_key": report.ChainPublicKey,
		"payload":          json.RawMessage(report.Payload),
		"signature":        report.Signature,
	}
	if report.TxHash != "" {
		out["tx_hash"] = report.TxHash
	}
	if err := printJSON(out); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	os.Exit(exitOK)
}

func runDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	common := registerCommon(fs)
	probe := fs.Bool("probe", false, "also query the running daemon")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	cfg := common.load()
	report, err := nodeagent.New().Doctor(context.Background(), nodeagent.DoctorInput{Config: cfg, Probe: *probe})
	if err != nil {
		writeStderrln(err.Error(), exitCustodyFailed)
	}
	if err := printJSON(report); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
	if !report.Ready {
		os.Exit(exitCustodyFailed)
	}
}

func runHealth(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	client := dial(common.load())
	defer func() { _ = client.Close() }()

	ctx := context.Background()
	if err := client.Health(ctx); err != nil {
		writeStderrln(err.Error(), exitCodeFor(err))
	}
	info, err := client.Version(ctx)
	if err != nil {
		writeStderrln(err.Error(), exitCodeFor(err))
	}
	if err := printJSON(map[string]any{"status": "ok", "version": info}); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
}

func runSealingKey(args []string) {
	fs := flag.NewFlagSet("sealing-key", flag.ExitOnError)
	common := registerCommon(fs)
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	client := dial(common.load())
	defer func() { _ = client.Close() }()

	info, err := client.SealingKey(context.Background())
	if err != nil {
		writeStderrln(err.Error(), exitCodeFor(err))
	}
	if err := printJSON(info); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
}

// runWallet creates a wallet, or restores one from a mnemonic, and prints its
// address. The mnemonic is only printed when it was generated here.
func runWallet(args []string) {
	fs := flag.NewFlagSet("wallet", flag.ExitOnError)
	mnemonic := fs.String("mnemonic", os.Getenv("CUSTODY_WALLET_MNEMONIC"), "restore from an existing BIP-39 mnemonic")
	if err := fs.Parse(args); err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	out := map[string]any{}
	var kp *identity.Keypair
	var err error
	if strings.TrimSpace(*mnemonic) != "" {
		kp, err = identity.FromMnemonic(*mnemonic)
	} else {
		var generated string
		kp, generated, err = identity.Create()
		out["mnemonic"] = generated
	}
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	defer kp.Destroy()
	out["address"] = kp.Address()
	if err := printJSON(out); err != nil {
		writeStderrln(err.Error(), exitNetworkFailed)
	}
}

func dial(cfg config.Config) *rpc.Client {
	endpoint, err := config.ResolveEndpoint(cfg.ClientEndpoint)
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	client, err := rpc.NewClient(endpoint, rpc.ClientOptions{Token: cfg.RPCToken, Timeout: cfg.ClientTimeout})
	if err != nil {
		writeStderrln(err.Error(), exitInvalidInput)
	}
	return client
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, contracts.ErrTransportFailure):
		return exitNetworkFailed
	case errors.Is(err, contracts.ErrInvalidRequest):
		if strings.Contains(err.Error(), "token") {
			return exitTokenRejected
		}
		return exitInvalidInput
	default:
		return exitCustodyFailed
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printUsage() {
	writeStdoutln(exitInvalidInput, "custody-cli <command> [flags]")
	writeStdoutln(exitInvalidInput, "commands:")
	writeStdoutln(exitInvalidInput, "  demo         [--config path] [--rpc-endpoint url] [--rpc-token token] [--key-type ed25519|secp256k1] [--broadcast none|dry-run|ledger] [--to addr] [--amount n]")
	writeStdoutln(exitInvalidInput, "  doctor       [--config path] [--rpc-endpoint url] [--rpc-token token] [--probe]")
	writeStdoutln(exitInvalidInput, "  health       [--config path] [--rpc-endpoint url] [--rpc-token token]")
	writeStdoutln(exitInvalidInput, "  sealing-key  [--config path] [--rpc-endpoint url] [--rpc-token token]")
	writeStdoutln(exitInvalidInput, "  wallet       [--mnemonic words]")
}

func writeStdoutln(exitCode int, line string) {
	if _, err := fmt.Fprintln(os.Stdout, line); err != nil {
		os.Exit(exitCode)
	}
}

func writeStderrln(line string, exitCode int) {
	if _, err := fmt.Fprintln(os.Stderr, line); err != nil {
		os.Exit(exitCode)
	}
	os.Exit(exitCode)
}
