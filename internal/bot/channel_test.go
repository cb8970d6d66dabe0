package bot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/susu3304/sessionbot/internal/notify"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type fakeSession struct {
	sendErrs []error
	sends    int
	lastSend *discordgo.MessageSend
	lastEdit *discordgo.MessageEdit
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.sends++
	f.lastSend = data
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func (f *fakeSession) ChannelMessageEditComplex(m *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.lastEdit = m
	return &discordgo.Message{ID: m.ID}, nil
}

func newTestChannel(s *fakeSession) *Channel {
	c := NewChannel(s)
	c.sleep = func(context.Context, time.Duration) {}
	return c
}

func TestSendMessageBuildsComponents(t *testing.T) {
	s := &fakeSession{}
	c := newTestChannel(s)
	msg := notify.Message{
		Content:  "<@1> reminder",
		Embed:    &notify.Embed{Title: "Session", Fields: []notify.Field{{Name: "When", Value: "soon"}}, Footer: "Session #1"},
		Mentions: []string{"1"},
	}
	for i := 0; i < 6; i++ {
		msg.Buttons = append(msg.Buttons, notify.Button{Label: "b", CustomID: "attend:1:yes", Style: notify.ButtonSuccess})
	}

	id, err := c.SendMessage(context.Background(), "chan", msg)
	if err != nil || id != "msg-1" {
		t.Fatalf("SendMessage = %q, %v", id, err)
	}
	sent := s.lastSend
	if len(sent.Components) != 2 {
		t.Fatalf("rows = %d, want 2", len(sent.Components))
	}
	first := sent.Components[0].(discordgo.ActionsRow)
	if len(first.Components) != maxButtonsPerRow {
		t.Errorf("first row has %d buttons", len(first.Components))
	}
	if len(sent.Embeds) != 1 || sent.Embeds[0].Footer == nil || sent.Embeds[0].Footer.Text != "Session #1" {
		t.Errorf("embeds = %+v", sent.Embeds)
	}
	if am := sent.AllowedMentions; am == nil || len(am.Users) != 1 || len(am.Parse) != 0 {
		t.Errorf("allowed mentions = %+v", am)
	}
}

func TestSendMessageRetries(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantSends int
		wantErr   bool
	}{
		{name: "timeout then success", errs: []error{timeoutErr{}, nil}, wantSends: 2},
		{name: "timeout twice", errs: []error{timeoutErr{}, timeoutErr{}}, wantSends: 2, wantErr: true},
		{name: "permanent", errs: []error{errors.New("missing access")}, wantSends: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{sendErrs: tt.errs}
			_, err := newTestChannel(s).SendMessage(context.Background(), "chan", notify.Message{Content: "x"})
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v", err)
			}
			if s.sends != tt.wantSends {
				t.Errorf("sends = %d, want %d", s.sends, tt.wantSends)
			}
		})
	}
}

func TestUpdateMessageClearsButtons(t *testing.T) {
	s := &fakeSession{}
	err := newTestChannel(s).UpdateMessage(context.Background(), "chan", "m1", notify.Message{Embed: &notify.Embed{Title: "Closed"}})
	if err != nil {
		t.Fatalf("UpdateMessage: %v", err)
	}
	e := s.lastEdit
	if e.ID != "m1" || e.Channel != "chan" {
		t.Errorf("edit target = %s/%s", e.Channel, e.ID)
	}
	if e.Components == nil || len(e.Components) != 0 {
		t.Errorf("components = %#v, want empty", e.Components)
	}
}

func TestIsTemporaryOrTimeout(t *testing.T) {
	if !isTemporaryOrTimeout(timeoutErr{}) {
		t.Error("timeout not retried")
	}
	if isTemporaryOrTimeout(errors.New("x")) || isTemporaryOrTimeout(nil) {
		t.Error("plain error retried")
	}
}
