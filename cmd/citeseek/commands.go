package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <url>",
	Short: "Download and index a document",
	Long: `Download and index a document for question answering.

Examples:
  citeseek ingest https://example.com/contract.pdf
  citeseek ingest https://example.com/report.docx`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/documents", map[string]string{"url": args[0]})
		if err != nil {
			return err
		}

		var result struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Ingested %s as document %s", result.Name, result.ID)
		return nil
	},
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <url> <question> [question...]",
	Short: "Ask questions about a document",
	Long: `Ingest a document (or reuse it if already ingested) and answer
questions about it.

Examples:
  citeseek ask https://example.com/contract.pdf "What is the term?"
  citeseek ask https://example.com/act.pdf "Who enforces it?" "What are the penalties?"`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/run", map[string]any{
			"documents": args[0],
			"questions": args[1:],
		})
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				Question      string `json:"question"`
				Answer        string `json:"answer"`
				Justification string `json:"justification"`
				Error         string `json:"error"`
				Sources       []struct {
					ID       string  `json:"id"`
					Score    float32 `json:"score"`
					Metadata struct {
						Page    int    `json:"page"`
						Section string `json:"section"`
					} `json:"metadata"`
				} `json:"sources"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		for i, r := range result.Results {
			if i > 0 {
				fmt.Println()
			}
			fmt.Printf("Q: %s\n", r.Question)
			if r.Error != "" {
				printError("failed: %s", r.Error)
				continue
			}
			fmt.Printf("A: %s\n", r.Answer)
			if r.Justification != "" {
				fmt.Printf("   %s\n", r.Justification)
			}
			for _, s := range r.Sources {
				loc := fmt.Sprintf("page %d", s.Metadata.Page)
				if s.Metadata.Section != "" {
					loc += ", " + s.Metadata.Section
				}
				fmt.Printf("   [%s] %s (score %.2f)\n", s.ID, loc, s.Score)
			}
		}
		return nil
	},
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Manage ingested documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}

		var result struct {
			Documents []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
				URL  string `json:"url"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Documents) == 0 {
			fmt.Println("no documents ingested")
			return nil
		}
		for _, d := range result.Documents {
			fmt.Printf("%s  %s  %s\n", d.ID, d.Name, d.URL)
		}
		return nil
	},
}

var documentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an ingested document and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

var documentsQueriesCmd = &cobra.Command{
	Use:   "queries <id>",
	Short: "Show past questions asked about a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents/"+args[0]+"/queries")
		if err != nil {
			return err
		}

		var result struct {
			Queries []struct {
				Question string `json:"question"`
				AskedAt  string `json:"asked_at"`
			} `json:"queries"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Queries) == 0 {
			fmt.Println("no queries recorded")
			return nil
		}
		for _, q := range result.Queries {
			fmt.Printf("%s  %s\n", q.AskedAt, q.Question)
		}
		return nil
	},
}

func init() {
	documentsCmd.AddCommand(documentsListCmd)
	documentsCmd.AddCommand(documentsDeleteCmd)
	documentsCmd.AddCommand(documentsQueriesCmd)
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show citeseek server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/health")
		if err != nil {
			printError("server not reachable at %s", client.baseURL)
			return err
		}
		var health map[string]string
		if err := decodeJSON(resp, &health); err != nil {
			return err
		}

		printSuccess("citeseek is running")
		printStatus("Address", "%s", client.baseURL)
		printStatus("Health", "%s", health["status"])

		resp, err = client.get(cmd.Context(), "/documents")
		if err != nil {
			return err
		}
		var docs struct {
			Documents []struct {
				ID string `json:"id"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		printStatus("Documents", "%d", len(docs.Documents))
		return nil
	},
}
