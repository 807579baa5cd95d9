package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

type conversationResponse struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type batchState struct {
	Status       string  `json:"status"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	Documents    []struct {
		FileName   string `json:"fileName"`
		FilingType string `json:"filingType"`
	} `json:"documents"`
}

// statusProgress maps pipeline states to a rough completion percentage for
// the terminal bar.
var statusProgress = map[string]int{
	"pending":               0,
	"downloading":           15,
	"extracting":            35,
	"chunking":              55,
	"generating_embeddings": 75,
	"persisting_embeddings": 90,
	"completed":             100,
	"failed":                100,
}

func newIngestCmd() *cobra.Command {
	var filingTypes []string
	var title string
	var watch bool

	cmd := &cobra.Command{
		Use:   "ingest <ticker-or-cik>",
		Short: "Create a conversation and ingest a company's filings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			company := args[0]
			if title == "" {
				title = company + " filings"
			}

			var conv conversationResponse
			if err := client.do("POST", "/api/conversations", map[string]interface{}{
				"title":     title,
				"companies": []string{company},
			}, &conv); err != nil {
				return err
			}

			var state batchState
			if err := client.do("POST", "/api/conversations/"+conv.ID+"/ingest", map[string]interface{}{
				"companyIdentifier": company,
				"filingTypes":       filingTypes,
			}, &state); err != nil {
				return err
			}
			color.Green("ingestion started: conversation %s", conv.ID)

			if !watch {
				return nil
			}
			return watchIngestion(client, conv.ID)
		},
	}
	cmd.Flags().StringSliceVar(&filingTypes, "filing-types", []string{"10-K"}, "filing form types to download")
	cmd.Flags().StringVar(&title, "title", "", "conversation title")
	cmd.Flags().BoolVar(&watch, "watch", true, "poll until the pipeline finishes")
	return cmd
}

func watchIngestion(client *apiClient, conversationID string) error {
	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("ingesting"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	for {
		var state batchState
		if err := client.do("GET", "/api/conversations/"+conversationID+"/status", nil, &state); err != nil {
			return err
		}
		_ = bar.Set(statusProgress[state.Status])

		switch state.Status {
		case "completed":
			_ = bar.Finish()
			color.Green("completed: %d documents ingested", len(state.Documents))
			return nil
		case "failed":
			_ = bar.Finish()
			msg := "unknown error"
			if state.ErrorMessage != nil {
				msg = *state.ErrorMessage
			}
			color.Red("failed: %s", msg)
			return fmt.Errorf("ingestion failed")
		}
		time.Sleep(2 * time.Second)
	}
}

func newAskCmd() *cobra.Command {
	var conversationID string
	var referenced []string

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question in a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if conversationID == "" {
				return fmt.Errorf("--conversation is required")
			}
			client := newAPIClient()

			var resp struct {
				AssistantMessage struct {
					Content string `json:"content"`
					Sources []struct {
						DocumentTitle  string  `json:"document_title"`
						RelevanceScore float64 `json:"relevance_score"`
						ChunksUsed     int     `json:"chunks_used"`
					} `json:"sources"`
				} `json:"assistantMessage"`
			}
			err := client.do("POST", "/api/conversations/"+conversationID+"/messages", map[string]interface{}{
				"content":               args[0],
				"referencedDocumentIds": referenced,
			}, &resp)
			if err != nil {
				return err
			}

			fmt.Println(resp.AssistantMessage.Content)
			if len(resp.AssistantMessage.Sources) > 0 {
				fmt.Println()
				color.Cyan("sources:")
				for _, s := range resp.AssistantMessage.Sources {
					fmt.Printf("  %-50s score=%.2f chunks=%d\n", s.DocumentTitle, s.RelevanceScore, s.ChunksUsed)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation id")
	cmd.Flags().StringSliceVar(&referenced, "documents", nil, "document ids to always include")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <conversation-id>",
		Short: "Show the ingestion state for a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient()
			var raw json.RawMessage
			if err := client.do("GET", "/api/conversations/"+args[0]+"/status", nil, &raw); err != nil {
				return err
			}
			var pretty map[string]interface{}
			if err := json.Unmarshal(raw, &pretty); err != nil {
				return err
			}
			out, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
