package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gridrent/gridrent/internal/auth"
)

const usage = `usage: marketctl [-api URL] <command> [args]

commands:
  config                         marketplace parameters
  counters                       next resource and job ids
  fees                           accumulated platform fees
  resource <id>                  one resource record
  resources <provider-address>   resource ids owned by a provider
  job <id>                       one job record
  jobs (-consumer A | -provider A)  job ids for a party
  result <job-id>                archived result payload for a job
  sign -identity A (-private-key-hex H | -private-key-file F)
                                 produce an auth proof for an identity
`

func main() {
	if err := runMain(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("marketctl", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	apiURL := fs.String("api", "http://127.0.0.1:8080", "marketd base URL")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprint(stdout, usage)
		return errors.New("missing command")
	}

	client := &apiClient{
		base: strings.TrimRight(*apiURL, "/"),
		http: &http.Client{Timeout: *timeout},
	}

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "config":
		return client.get(stdout, "/v1/config")
	case "counters":
		return client.get(stdout, "/v1/counters")
	case "fees":
		return client.get(stdout, "/v1/fees")
	case "resource":
		id, err := oneID(cmdArgs)
		if err != nil {
			return err
		}
		return client.get(stdout, "/v1/resources/"+id)
	case "resources":
		addr, err := oneAddress(cmdArgs)
		if err != nil {
			return err
		}
		return client.get(stdout, "/v1/providers/"+addr+"/resources")
	case "job":
		id, err := oneID(cmdArgs)
		if err != nil {
			return err
		}
		return client.get(stdout, "/v1/jobs/"+id)
	case "jobs":
		return runJobs(client, cmdArgs, stdout)
	case "result":
		id, err := oneID(cmdArgs)
		if err != nil {
			return err
		}
		return client.get(stdout, "/v1/jobs/"+id+"/result")
	case "sign":
		return runSign(cmdArgs, stdout)
	default:
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runJobs(client *apiClient, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("marketctl jobs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	consumer := fs.String("consumer", "", "list jobs posted by this address")
	provider := fs.String("provider", "", "list jobs claimed by this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	switch {
	case *consumer != "" && *provider != "":
		return errors.New("use only one of -consumer or -provider")
	case *consumer != "":
		if !common.IsHexAddress(*consumer) {
			return fmt.Errorf("invalid address %q", *consumer)
		}
		return client.get(stdout, "/v1/consumers/"+common.HexToAddress(*consumer).Hex()+"/jobs")
	case *provider != "":
		if !common.IsHexAddress(*provider) {
			return fmt.Errorf("invalid address %q", *provider)
		}
		return client.get(stdout, "/v1/providers/"+common.HexToAddress(*provider).Hex()+"/jobs")
	default:
		return errors.New("one of -consumer or -provider is required")
	}
}

func runSign(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("marketctl sign", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	identity := fs.String("identity", "", "address the proof authenticates")
	keyHex := fs.String("private-key-hex", "", "0x-prefixed private key hex")
	keyFile := fs.String("private-key-file", "", "file containing private key hex")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !common.IsHexAddress(*identity) {
		return errors.New("-identity must be a valid hex address")
	}
	if (*keyHex == "") == (*keyFile == "") {
		return errors.New("exactly one of -private-key-hex or -private-key-file is required")
	}
	raw := strings.TrimSpace(*keyHex)
	if *keyFile != "" {
		data, err := os.ReadFile(*keyFile)
		if err != nil {
			return fmt.Errorf("read private key file: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	addr := common.HexToAddress(*identity)
	proof, err := auth.Sign(key, addr)
	if err != nil {
		return err
	}
	if crypto.PubkeyToAddress(key.PublicKey) != addr {
		fmt.Fprintln(os.Stderr, "warning: key does not belong to the identity; the proof will be rejected")
	}
	_, err = fmt.Fprintf(stdout, "0x%s\n", hex.EncodeToString(proof))
	return err
}

type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) get(stdout io.Writer, path string) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err == nil {
		out, err := json.MarshalIndent(pretty, "", "  ")
		if err == nil {
			body = append(out, '\n')
		}
	}
	if _, err := stdout.Write(body); err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed: %s", resp.Status)
	}
	return nil
}

func oneID(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("expected exactly one id argument")
	}
	if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
		return "", fmt.Errorf("invalid id %q", args[0])
	}
	return args[0], nil
}

func oneAddress(args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("expected exactly one address argument")
	}
	if !common.IsHexAddress(args[0]) {
		return "", fmt.Errorf("invalid address %q", args[0])
	}
	return common.HexToAddress(args[0]).Hex(), nil
}
