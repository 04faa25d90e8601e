package management

import (
	"context"
	"errors"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/apperr"
)

type fakeSlack struct {
	users map[string]*slack.User
}

func (f *fakeSlack) GetUserInfoContext(_ context.Context, userID string) (*slack.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.New("user_not_found")
	}
	return u, nil
}

func (f *fakeSlack) OpenConversationContext(context.Context, *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error) {
	return &slack.Channel{}, false, false, nil
}

func (f *fakeSlack) PostMessageContext(context.Context, string, ...slack.MsgOption) (string, string, error) {
	return "", "", nil
}

func (f *fakeSlack) GetConversationHistoryContext(context.Context, *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	return &slack.GetConversationHistoryResponse{}, nil
}

func (f *fakeSlack) DeleteMessageContext(context.Context, string, string) (string, string, error) {
	return "", "", nil
}

func TestRequestMagicLinkRejectsUnknownWorkspaceUser(t *testing.T) {
	s := NewService(&fakeSlack{users: map[string]*slack.User{}}, "C123", "development", nil, nil, nil, nil)

	_, err := s.RequestMagicLink(context.Background(), nil, "U404")
	require.Error(t, err)
	assert.Equal(t, "management.requestMagicLink.unknownUser", apperr.From(err).Key)
	assert.Equal(t, 403, apperr.From(err).Status)
}

func TestRequestMagicLinkRejectsBotsAndDeleted(t *testing.T) {
	s := NewService(&fakeSlack{users: map[string]*slack.User{
		"UBOT": {ID: "UBOT", IsBot: true},
		"UDEL": {ID: "UDEL", Deleted: true},
	}}, "C123", "development", nil, nil, nil, nil)

	for _, id := range []string{"UBOT", "UDEL"} {
		_, err := s.RequestMagicLink(context.Background(), nil, id)
		require.Error(t, err, id)
		assert.Equal(t, "management.requestMagicLink.unknownUser", apperr.From(err).Key)
	}
}

func TestRequestMagicLinkValidatesArguments(t *testing.T) {
	s := NewService(&fakeSlack{}, "C123", "development", nil, nil, nil, nil)

	_, err := s.RequestMagicLink(context.Background(), nil, "")
	require.Error(t, err)
	assert.Equal(t, "management.requestMagicLink.invalidArguments", apperr.From(err).Key)

	unconfigured := NewService(nil, "", "development", nil, nil, nil, nil)
	_, err = unconfigured.RequestMagicLink(context.Background(), nil, "U1")
	require.Error(t, err)
	assert.Equal(t, 500, apperr.From(err).Status)
}
