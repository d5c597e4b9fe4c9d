package generation

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"

	"devsuite/internal/service/ai"
)

// ErrEmptyCompletion is returned when the model produced no usable text.
var ErrEmptyCompletion = errors.New("model returned empty content")

// Streamer drains a streamed completion into one string.
type Streamer struct {
	model  model.BaseChatModel
	system string
}

func NewStreamer(chatModel model.BaseChatModel, system string) *Streamer {
	return &Streamer{model: chatModel, system: system}
}

// Complete concatenates every fragment in arrival order.
func (s *Streamer) Complete(ctx context.Context, msgs []ai.Message) (string, error) {
	stream, err := ai.Stream(ctx, s.model, s.system, msgs)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		frag, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		sb.WriteString(frag)
	}
	content := sb.String()
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}
