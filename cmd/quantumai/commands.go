package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"quantumai/internal/config"
	"quantumai/pkg/llm"
)

type globalFlags struct {
	configPath string
	baseURL    string
	model      string
	debug      bool
}

type samplingFlags struct {
	system      string
	temperature float64
	maxTokens   int
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "quantumai",
		Short:         "A CLI for OpenAI-compatible chat completion APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetIn(in)
	rootCmd.SetOut(out)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "optional YAML config file")
	pf.StringVar(&g.baseURL, "base-url", "", "API base URL (overrides config)")
	pf.StringVar(&g.model, "model", "", "model name (overrides config)")
	pf.BoolVar(&g.debug, "debug", false, "verbose client logging on stderr")

	rootCmd.AddCommand(
		newQuickCmd(g),
		newChatCmd(g),
		newStreamCmd(g),
		newBatchCmd(g),
	)
	return rootCmd
}

func newQuickCmd(g *globalFlags) *cobra.Command {
	s := &samplingFlags{}
	cmd := &cobra.Command{
		Use:   "quick <message>",
		Short: "Send one message and print the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			defer c.Close()

			opts := append(s.options(cmd), llm.WithSystemMessage(s.system))
			answer, err := c.QuickChat(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), answer)
			return nil
		},
	}
	s.register(cmd, true)
	return cmd
}

func newChatCmd(g *globalFlags) *cobra.Command {
	s := &samplingFlags{}
	var file string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Send a JSON conversation and print the full response",
		Long: "Reads a conversation from --file or stdin, either as a JSON array of\n" +
			"messages or as an object with a \"messages\" field.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := cmd.InOrStdin()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open conversation: %w", err)
				}
				defer f.Close()
				r = f
			}
			messages, err := readConversation(r)
			if err != nil {
				return err
			}

			c, err := newClient(g)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.ChatComplete(cmd.Context(), messages, s.options(cmd)...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "conversation JSON file (default stdin)")
	s.register(cmd, false)
	return cmd
}

func newStreamCmd(g *globalFlags) *cobra.Command {
	s := &samplingFlags{}
	cmd := &cobra.Command{
		Use:   "stream <message>",
		Short: "Send one message and print the answer as it streams",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			defer c.Close()

			messages := conversation(s.system, args[0])
			stream, err := c.StreamChat(cmd.Context(), messages, s.options(cmd)...)
			if err != nil {
				return err
			}
			defer stream.Close()

			out := cmd.OutOrStdout()
			for chunk, err := range stream.All() {
				if err != nil {
					return err
				}
				fmt.Fprint(out, chunk.DeltaContent())
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	s.register(cmd, true)
	return cmd
}

func newBatchCmd(g *globalFlags) *cobra.Command {
	s := &samplingFlags{}
	cmd := &cobra.Command{
		Use:   "batch <message>...",
		Short: "Send several messages concurrently and print the answers in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(g)
			if err != nil {
				return err
			}
			defer c.Close()

			return runBatch(cmd.Context(), c, cmd.OutOrStdout(), args, s.system, s.options(cmd))
		},
	}
	s.register(cmd, true)
	return cmd
}

// runBatch starts every call before awaiting any of them.
func runBatch(ctx context.Context, c llm.Client, out io.Writer, prompts []string, system string, opts []llm.CallOption) error {
	calls := make([]*llm.Call, len(prompts))
	for i, p := range prompts {
		calls[i] = c.AChatComplete(ctx, conversation(system, p), opts...)
	}

	var errs []error
	for i, call := range calls {
		resp, err := call.Await(ctx)
		if err != nil {
			fmt.Fprintf(out, "[%d] error: %v\n", i+1, err)
			errs = append(errs, fmt.Errorf("message %d: %w", i+1, err))
			continue
		}
		content, _ := resp.Content(0)
		fmt.Fprintf(out, "[%d] %s\n", i+1, content)
	}
	return errors.Join(errs...)
}

func (s *samplingFlags) register(cmd *cobra.Command, withSystem bool) {
	if withSystem {
		cmd.Flags().StringVar(&s.system, "system", "", "system message")
	}
	cmd.Flags().Float64Var(&s.temperature, "temperature", llm.DefaultTemperature, "sampling temperature")
	cmd.Flags().IntVar(&s.maxTokens, "max-tokens", 0, "maximum tokens to generate")
}

// options only forwards the flags the user actually set.
func (s *samplingFlags) options(cmd *cobra.Command) []llm.CallOption {
	var opts []llm.CallOption
	f := cmd.Flags()
	if f.Changed("temperature") {
		opts = append(opts, llm.WithTemperature(s.temperature))
	}
	if f.Changed("max-tokens") {
		opts = append(opts, llm.WithMaxTokens(s.maxTokens))
	}
	return opts
}

func newClient(g *globalFlags) (llm.Client, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.baseURL != "" {
		cfg.Client.BaseURL = g.baseURL
	}
	if g.model != "" {
		cfg.Client.DefaultModel = g.model
	}
	if g.debug {
		cfg.Client.Debug = true
	}
	return llm.NewClient(cfg.Client.LLM(), nil)
}

func conversation(system, user string) []llm.Message {
	var messages []llm.Message
	if system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: user})
}

// readConversation accepts a bare array of messages or {"messages": [...]}.
func readConversation(r io.Reader) ([]llm.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("conversation is empty")
	}

	var messages []llm.Message
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal([]byte(trimmed), &messages)
	} else {
		var wrapped struct {
			Messages []llm.Message `json:"messages"`
		}
		err = json.Unmarshal([]byte(trimmed), &wrapped)
		messages = wrapped.Messages
	}
	if err != nil {
		return nil, fmt.Errorf("parse conversation: %w", err)
	}
	return messages, nil
}
