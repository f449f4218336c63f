package ai

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"xpilot/internal/errdefs"
	logx "xpilot/pkg/logx"
)

type stubClient struct {
	chatContent string
	chatErr     error
	lastReq     openai.ChatCompletionRequest

	imageURL string
	imageErr error
}

func (s *stubClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastReq = req
	if s.chatErr != nil {
		return openai.ChatCompletionResponse{}, s.chatErr
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.chatContent}},
		},
	}, nil
}

func (s *stubClient) CreateImage(context.Context, openai.ImageRequest) (openai.ImageResponse, error) {
	if s.imageErr != nil {
		return openai.ImageResponse{}, s.imageErr
	}
	return openai.ImageResponse{Data: []openai.ImageResponseDataInner{{URL: s.imageURL}}}, nil
}

func newTestGenerator(stub *stubClient) *Generator {
	return newGenerator(stub, Config{Model: "test-model"}, logx.Nop())
}

func TestGeneratePost(t *testing.T) {
	t.Parallel()
	stub := &stubClient{chatContent: "  a fine post  "}
	g := newTestGenerator(stub)

	body, err := g.GeneratePost(context.Background(), Request{
		Prompt:   "write about Go",
		Persona:  Persona{Name: "Dev Rel", Tone: "friendly"},
		MaxChars: 280,
	})
	if err != nil {
		t.Fatal(err)
	}
	if body != "a fine post" {
		t.Fatalf("body = %q", body)
	}
	if stub.lastReq.Model != "test-model" {
		t.Fatalf("model = %q", stub.lastReq.Model)
	}
	if len(stub.lastReq.Messages) != 2 || stub.lastReq.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("messages = %+v", stub.lastReq.Messages)
	}
}

func TestGeneratePostEmptyIsValidation(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(&stubClient{chatContent: "   "})
	_, err := g.GeneratePost(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestGeneratePostUpstreamFailureIsTransient(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(&stubClient{chatErr: errors.New("upstream 503")})
	_, err := g.GeneratePost(context.Background(), Request{Prompt: "x"})
	if !errors.Is(err, errdefs.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}

func TestGenerateThread(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		content string
		want    []string
		wantErr bool
	}{
		{"plain array", `["one","two","three"]`, []string{"one", "two", "three"}, false},
		{"fenced array", "```json\n[\"a\", \"b\"]\n```", []string{"a", "b"}, false},
		{"blank segments dropped", `["a", "  ", "b"]`, []string{"a", "b"}, false},
		{"prose instead of json", "Here you go: 1) one 2) two", nil, true},
		{"empty array", `[]`, nil, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			g := newTestGenerator(&stubClient{chatContent: tc.content})
			got, err := g.GenerateThread(context.Background(), Request{Prompt: "x"})
			if tc.wantErr {
				if !errors.Is(err, errdefs.ErrValidation) {
					t.Fatalf("err = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("segments = %v, want %v", got, tc.want)
			}
			for i := range tc.want {
				if got[i] != tc.want[i] {
					t.Fatalf("segment %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestGenerateImage(t *testing.T) {
	t.Parallel()
	g := newTestGenerator(&stubClient{imageURL: "https://img.example/1.png"})
	url, err := g.GenerateImage(context.Background(), "a gopher")
	if err != nil || url != "https://img.example/1.png" {
		t.Fatalf("url = %q, err = %v", url, err)
	}

	g = newTestGenerator(&stubClient{imageErr: errors.New("nope")})
	if _, err := g.GenerateImage(context.Background(), "a gopher"); !errors.Is(err, errdefs.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
}
