package delivery_test

import (
	"encoding/json"
	"testing"

	"github.com/MrWong99/anamnese/internal/delivery"
	"github.com/MrWong99/anamnese/pkg/types"
)

func TestPayload_JSONShape(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    delivery.Payload
		want string
	}{
		{
			name: "failure carries only the message",
			p:    delivery.Failure("not enough information"),
			want: `{"success":false,"type":"summarization","error":{"message":"not enough information"}}`,
		},
		{
			name: "success carries the conversation",
			p: delivery.Success(&types.ConversationWithSummaries{
				Conversation:   types.Conversation{ID: "c1", UserID: "u1"},
				Summarizations: []types.Summarization{},
			}),
			want: `{"success":true,"type":"summarization","data":{"id":"c1","userId":"u1","createdAt":"0001-01-01T00:00:00Z","summarizations":[]}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := json.Marshal(tt.p)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}
