// Package management lets operators self-provision a short-lived elevated
// session: their messaging-platform identity is checked against the
// workspace directory, a transient user is created, and a magic link is
// delivered to them. A daily job removes the transient users again.
package management

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/slack-go/slack"

	"github.com/lightbase/lpc-backend/internal/apperr"
	"github.com/lightbase/lpc-backend/internal/auth"
	"github.com/lightbase/lpc-backend/internal/permission"
	"github.com/lightbase/lpc-backend/internal/storage"
	"github.com/lightbase/lpc-backend/internal/tenant"
	"github.com/lightbase/lpc-backend/internal/user"
)

// RoleIdentifier is the mandatory role granted to transient management
// users; its permission set is declared in the startup configuration.
const RoleIdentifier = "lpc:management"

// transientNamePrefix tags the transient users so the daily sweep can find
// them.
const transientNamePrefix = "management:"

// transientLifetime is how long a transient user and the delivered messages
// survive.
const transientLifetime = 24 * time.Hour

// SlackAPI is the slice of the Slack client the service uses.
type SlackAPI interface {
	GetUserInfoContext(ctx context.Context, userID string) (*slack.User, error)
	OpenConversationContext(ctx context.Context, params *slack.OpenConversationParameters) (*slack.Channel, bool, bool, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	GetConversationHistoryContext(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	DeleteMessageContext(ctx context.Context, channelID, messageTimestamp string) (string, string, error)
}

// Service is the management interface.
type Service struct {
	slack     SlackAPI
	channelID string
	env       string
	pool      *pgxpool.Pool
	users     *user.Directory
	auth      *auth.Service
	logger    *slog.Logger
}

// NewService wires the management interface. slackAPI may be nil, which
// disables the whole surface.
func NewService(slackAPI SlackAPI, channelID, env string, pool *pgxpool.Pool, users *user.Directory, authSvc *auth.Service, logger *slog.Logger) *Service {
	return &Service{
		slack:     slackAPI,
		channelID: channelID,
		env:       env,
		pool:      pool,
		users:     users,
		auth:      authSvc,
		logger:    logger,
	}
}

// MagicLinkResult is the response of the request endpoint. Link is only
// populated in development, where no DM is sent.
type MagicLinkResult struct {
	Delivered bool   `json:"delivered"`
	Link      string `json:"link,omitempty"`
}

// RequestMagicLink verifies the requester against the workspace directory,
// provisions a transient user with the management role, and delivers the
// login link.
func (s *Service) RequestMagicLink(ctx context.Context, cur *tenant.Current, slackUserID string) (*MagicLinkResult, error) {
	if s.slack == nil {
		return nil, apperr.Server("management.requestMagicLink.notConfigured", nil)
	}
	if slackUserID == "" {
		return nil, apperr.BadRequest("management.requestMagicLink.invalidArguments", nil)
	}

	info, err := s.slack.GetUserInfoContext(ctx, slackUserID)
	if err != nil || info == nil || info.Deleted || info.IsBot {
		return nil, apperr.Forbidden("management.requestMagicLink.unknownUser")
	}

	var token string
	name := transientNamePrefix + slackUserID
	err = storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tenantID := cur.Tenant.ID
		_, err := s.users.Create(ctx, tx, user.CreateInput{
			Name:     &name,
			TenantID: &tenantID,
			Roles:    &permission.RoleSelector{IdentifierIn: []string{RoleIdentifier}},
			Registrations: []user.Registration{
				s.auth.AnonymousRegistration(true, &token),
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	link, err := url.JoinPath(cur.PublicURL, "_lightbase", "management", "login")
	if err != nil {
		return nil, apperr.Server("management.requestMagicLink.invalidUrl", err)
	}
	link += "?token=" + url.QueryEscape(token)

	if s.env == "development" {
		return &MagicLinkResult{Delivered: false, Link: link}, nil
	}

	channel, _, _, err := s.slack.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{slackUserID},
	})
	if err != nil {
		return nil, apperr.Server("management.requestMagicLink.deliver", err)
	}
	_, _, err = s.slack.PostMessageContext(ctx, channel.ID,
		slack.MsgOptionText(fmt.Sprintf("Your management login link (valid %s): %s", transientLifetime, link), false))
	if err != nil {
		return nil, apperr.Server("management.requestMagicLink.deliver", err)
	}

	return &MagicLinkResult{Delivered: true}, nil
}

// Cleanup removes expired transient users and purges the delivered
// messages; runs as the daily job.
func (s *Service) Cleanup(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM users
		WHERE name LIKE $1 AND created_at < now() - $2::interval
	`, transientNamePrefix+"%", transientLifetime.String())
	if err != nil {
		return fmt.Errorf("failed to list transient users: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range ids {
		err := storage.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `DELETE FROM sessions WHERE data->>'userId' = $1`, id); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to delete transient user %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		s.logger.Info("removed transient management users", "count", len(ids))
	}

	return s.purgeMessages(ctx)
}

// purgeMessages deletes the bot's delivery messages older than the
// transient lifetime from the configured channel.
func (s *Service) purgeMessages(ctx context.Context) error {
	if s.slack == nil || s.channelID == "" {
		return nil
	}

	cutoff := time.Now().Add(-transientLifetime)
	history, err := s.slack.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: s.channelID,
		Latest:    strconv.FormatInt(cutoff.Unix(), 10),
		Limit:     200,
	})
	if err != nil {
		return fmt.Errorf("failed to read channel history: %w", err)
	}

	for _, message := range history.Messages {
		if _, _, err := s.slack.DeleteMessageContext(ctx, s.channelID, message.Timestamp); err != nil {
			s.logger.Warn("failed to delete channel message", "ts", message.Timestamp, "error", err)
		}
	}
	return nil
}
