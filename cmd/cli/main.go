// Command ik is a CLI client for the purchase validation server.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/and161185/iap-keeper/internal/convert"
	grpcserver "github.com/and161185/iap-keeper/internal/server/grpc"
	"github.com/and161185/iap-keeper/internal/session"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "iapkeeper")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "iapkeeper")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || (!tf.ExpiresAt.IsZero() && time.Now().After(tf.ExpiresAt)) {
		return "", errors.New("no valid token (run `ik token set` or `ik token issue`)")
	}
	return tf.AccessToken, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type dialOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
}

func dial(ctx context.Context, o dialOpts, bearer string) (*grpc.ClientConn, *grpcserver.PurchasesClient, error) {
	var opts []grpc.DialOption
	if o.plaintext {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		creds, err := loadTLS(o.caPath, o.skipVerify)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(creds))
	}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(ctx, o.addr, opts...)
	if err != nil {
		return nil, nil, err
	}
	return cc, grpcserver.NewPurchasesClient(cc), nil
}

// ---- utils ----

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printProto(w io.Writer, m proto.Message) error {
	b, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func errMessage(err error) string {
	if s, ok := status.FromError(err); ok {
		return fmt.Sprintf("rpc error: code=%s msg=%s", s.Code(), s.Message())
	}
	return err.Error()
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errMessage(err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		o       dialOpts
		timeout time.Duration
	)
	root := &cobra.Command{
		Use:           "ik",
		Short:         "Purchase validation CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&o.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&o.skipVerify, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&o.plaintext, "plaintext", false, "no TLS at all (dev server)")
	pf.DurationVar(&timeout, "timeout", 2*time.Minute, "overall call timeout")

	// call dials with the saved token (if needed) and runs fn.
	call := func(cmd *cobra.Command, authed bool, fn func(context.Context, *grpcserver.PurchasesClient) (proto.Message, error)) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		var token string
		if authed {
			var err error
			if token, err = loadToken(); err != nil {
				return err
			}
		}
		cc, cli, err := dial(ctx, o, token)
		if err != nil {
			return err
		}
		defer cc.Close()
		out, err := fn(ctx, cli)
		if err != nil {
			return err
		}
		return printProto(cmd.OutOrStdout(), out)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print the CLI version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "ik %s (%s)\n", version, buildDate)
			},
		},
		&cobra.Command{
			Use:   "products <id>...",
			Short: "Show catalog entries",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, false, func(ctx context.Context, cli *grpcserver.PurchasesClient) (proto.Message, error) {
					return cli.Products(ctx, args)
				})
			},
		},
		&cobra.Command{
			Use:   "purchase <product-id>",
			Short: "Buy a subscription",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var succeeded bool
				err := call(cmd, true, func(ctx context.Context, cli *grpcserver.PurchasesClient) (proto.Message, error) {
					res, err := cli.Purchase(ctx, args[0])
					succeeded = convert.ResultSucceeded(res)
					return res, err
				})
				if err == nil && !succeeded {
					return errors.New("purchase did not succeed")
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Restore the newest purchase",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd, true, func(ctx context.Context, cli *grpcserver.PurchasesClient) (proto.Message, error) {
					return cli.Restore(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show subscription status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd, true, func(ctx context.Context, cli *grpcserver.PurchasesClient) (proto.Message, error) {
					return cli.Status(ctx)
				})
			},
		},
		newTokenCmd(),
	)
	return root
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage the saved bearer token"}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <jwt>",
		Short: "Save a token issued elsewhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// the signing key lives on the server; only shape and expiry are checked here
			s, err := session.Parse(args[0], nil)
			if err != nil {
				return err
			}
			if err := saveToken(args[0], s.ExpiresAt); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), map[string]any{"user_id": s.UserID.String(), "expires_at": s.ExpiresAt})
			return nil
		},
	})

	var (
		key  string
		user string
		ttl  time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign and save a development token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if key == "" {
				key = os.Getenv("IK_JWT_KEY")
			}
			if key == "" {
				return errors.New("need --jwt-key or IK_JWT_KEY")
			}
			id := uuid.Must(uuid.NewV4())
			if user != "" {
				var err error
				if id, err = uuid.FromString(user); err != nil {
					return fmt.Errorf("bad --user: %w", err)
				}
			}
			tok, exp, err := session.Issue(id, []byte(key), ttl)
			if err != nil {
				return err
			}
			if err := saveToken(tok, exp); err != nil {
				return err
			}
			printJSON(cmd.OutOrStdout(), map[string]any{"user_id": id.String(), "expires_at": exp, "token": tok})
			return nil
		},
	}
	issue.Flags().StringVar(&key, "jwt-key", "", "HS256 signing key shared with the server")
	issue.Flags().StringVar(&user, "user", "", "user id (random when empty)")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.AddCommand(issue)
	return cmd
}
