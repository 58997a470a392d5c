package mockbackend_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The mock must stay parseable by a stock OpenAI SDK.
func newOpenAIClient(srvURL string) *openai.Client {
	cfg := openai.DefaultConfig(mockKey)
	cfg.BaseURL = srvURL + "/v1"
	return openai.NewClientWithConfig(cfg)
}

func TestOpenAISDKCompletion(t *testing.T) {
	srv := newServer(t)
	c := newOpenAIClient(srv.URL)

	resp, err := c.CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Model:    "sdk-model",
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "from sdk"}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "echo: from sdk", resp.Choices[0].Message.Content)
	assert.Equal(t, openai.FinishReasonStop, resp.Choices[0].FinishReason)
	assert.Equal(t, "sdk-model", resp.Model)
	assert.True(t, strings.HasPrefix(resp.ID, "chatcmpl-"))
	assert.Equal(t, 4, resp.Usage.TotalTokens)
}

func TestOpenAISDKStream(t *testing.T) {
	srv := newServer(t)
	c := newOpenAIClient(srv.URL)

	stream, err := c.CreateChatCompletionStream(context.Background(), openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "x y"}},
		Stream:   true,
	})
	require.NoError(t, err)
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		require.NotEmpty(t, chunk.Choices)
		sb.WriteString(chunk.Choices[0].Delta.Content)
	}
	assert.Equal(t, "echo: x y", sb.String())
}

func TestOpenAISDKAuthError(t *testing.T) {
	srv := newServer(t)
	cfg := openai.DefaultConfig("nope")
	cfg.BaseURL = srv.URL + "/v1"

	_, err := openai.NewClientWithConfig(cfg).CreateChatCompletion(context.Background(), openai.ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: "hi"}},
	})
	var apiErr *openai.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.HTTPStatusCode)
	assert.Equal(t, "invalid API key", apiErr.Message)
}
