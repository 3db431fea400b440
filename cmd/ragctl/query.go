package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/securerag/internal/auth"
	"github.com/fyrsmithlabs/securerag/internal/query"
	"github.com/fyrsmithlabs/securerag/internal/services"
)

// principalFlags describe the caller for query and token.
type principalFlags struct {
	token   string
	subject string
	roles   []string
	tenant  string
	stepUp  bool
	ttl     time.Duration
}

var (
	queryPrincipal principalFlags
	tokenPrincipal principalFlags

	queryTopK          int
	queryMinSimilarity float64
	maxSnippet         int
)

func init() {
	queryCmd.Flags().StringVar(&queryPrincipal.token, "token", "", "bearer credential to query as")
	addPrincipalFlags(queryCmd, &queryPrincipal)
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of contexts to return (default: query.top_k)")
	queryCmd.Flags().Float64Var(&queryMinSimilarity, "min-similarity", 0, "minimum cosine similarity (default: query.min_similarity)")
	queryCmd.Flags().IntVar(&maxSnippet, "snippet", 240, "characters of each context to print (0 prints all)")

	addPrincipalFlags(tokenCmd, &tokenPrincipal)
	tokenCmd.Flags().DurationVar(&tokenPrincipal.ttl, "ttl", time.Hour, "credential lifetime")

	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(tokenCmd)
}

func addPrincipalFlags(c *cobra.Command, p *principalFlags) {
	c.Flags().StringVar(&p.subject, "sub", "ragctl", "credential subject")
	c.Flags().StringSliceVarP(&p.roles, "roles", "r", nil, "caller roles")
	c.Flags().StringVarP(&p.tenant, "tenant", "t", "", "caller tenant (default: auth.default_tenant)")
	c.Flags().BoolVar(&p.stepUp, "step-up", false, "caller completed step-up authentication")
}

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Retrieve access-filtered context for a question",
	Long: `Embed a question and return the most similar chunks the caller may read.

The caller is either a --token or the identity described by --roles,
--tenant and --step-up, which is signed and verified like any credential.

Examples:
  # Query as an HR administrator with step-up
  ragctl query -r hr.admin --step-up "What is the salary band for L5?"

  # Query with an existing credential
  ragctl query --token "$TOKEN" "How do I request a laptop?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development credential",
	Long: `Sign a credential with auth.jwt_secret. Intended for development and
testing; production credentials come from the identity provider.

Examples:
  ragctl token -r engineering.viewer --ttl 15m
  ragctl token --sub alice -r hr.admin --step-up -t acme`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func runQuery(cmd *cobra.Command, args []string) error {
	req := query.Request{
		Question: strings.Join(args, " "),
		TopK:     queryTopK,
	}
	if cmd.Flags().Changed("min-similarity") {
		req.MinSimilarity = &queryMinSimilarity
	}

	return withRegistry(cmd.Context(), func(reg services.Registry) error {
		authz, err := authorize(cmd.Context(), reg.Auth(), queryPrincipal)
		if err != nil {
			return err
		}
		req.Filter = authz.Filter

		resp, err := reg.Query().Query(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		printContexts(cmd.OutOrStdout(), resp, maxSnippet)
		return nil
	})
}

func runToken(cmd *cobra.Command, _ []string) error {
	return withRegistry(cmd.Context(), func(reg services.Registry) error {
		token, err := issueToken(reg.Auth(), tokenPrincipal)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	})
}

// authorize verifies an explicit token, or signs and verifies one for the
// flag-described principal so both paths share the same checks.
func authorize(ctx context.Context, svc *auth.Service, p principalFlags) (*auth.Authorization, error) {
	token := p.token
	if token == "" {
		if p.ttl <= 0 {
			p.ttl = time.Minute
		}
		var err error
		if token, err = issueToken(svc, p); err != nil {
			return nil, err
		}
	}
	return svc.AuthenticateAndAuthorize(ctx, token)
}

func issueToken(svc *auth.Service, p principalFlags) (string, error) {
	token, err := svc.IssueToken(auth.Claims{
		Subject: p.subject,
		Roles:   p.roles,
		Tenant:  p.tenant,
		StepUp:  p.stepUp,
	}, p.ttl)
	if err != nil {
		return "", fmt.Errorf("failed to issue credential: %w", err)
	}
	return token, nil
}

func printContexts(w io.Writer, resp *query.Response, snippet int) {
	if len(resp.Contexts) == 0 {
		fmt.Fprintln(w, "No accessible context found.")
		return
	}
	for i, c := range resp.Contexts {
		fmt.Fprintf(w, "%d. %s (%s) score=%.3f source=%s\n", i+1, c.DocID, c.Classification, c.Score, c.Source)
		text := strings.TrimSpace(c.Text)
		if snippet > 0 && len([]rune(text)) > snippet {
			text = string([]rune(text)[:snippet]) + "..."
		}
		fmt.Fprintf(w, "   %s\n\n", strings.ReplaceAll(text, "\n", "\n   "))
	}
}
