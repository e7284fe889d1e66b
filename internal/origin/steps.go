package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/outcome"
	"github.com/relaybird/syncd/internal/runner"
)

// timelineLimit is the page size requested from the server.
const timelineLimit = 40

type status struct {
	ID         string    `json:"id"`
	Visibility string    `json:"visibility"`
	Mentions   []mention `json:"mentions"`
}

type mention struct {
	Username string `json:"username"`
	Acct     string `json:"acct"`
}

type remoteAccount struct {
	ID     string `json:"id"`
	Acct   string `json:"acct"`
	Avatar string `json:"avatar"`
}

type attachment struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type relationship struct {
	ID        string `json:"id"`
	Following bool   `json:"following"`
	Requested bool   `json:"requested"`
}

// Executors returns the step executors for every kind the client performs.
func (c *Client) Executors() map[command.Kind]runner.StepExecutor {
	return map[command.Kind]runner.StepExecutor{
		command.KindFetchTimeline:      runner.StepFunc(c.FetchTimeline),
		command.KindFetchOlderTimeline: runner.StepFunc(c.FetchOlderTimeline),
		command.KindRateLimitStatus:    runner.StepFunc(c.RateLimitStatus),
		command.KindFetchAvatar:        runner.StepFunc(c.FetchAvatar),
		command.KindFetchAttachment:    runner.StepFunc(c.FetchAttachment),
		command.KindPostMessage:        runner.StepFunc(c.PostMessage),
		command.KindDeleteMessage:      runner.StepFunc(c.DeleteMessage),
		command.KindFollow:             runner.StepFunc(c.Follow),
	}
}

// FetchTimeline loads the newest page of the timeline named by the step
// target ("home" when empty, "public", or "tag:<name>").
func (c *Client) FetchTimeline(ctx context.Context, step runner.Step) (outcome.Result, error) {
	return c.fetchTimeline(ctx, step, "")
}

// FetchOlderTimeline loads the page older than the status id in the payload.
func (c *Client) FetchOlderTimeline(ctx context.Context, step runner.Step) (outcome.Result, error) {
	if step.Payload == "" {
		return outcome.Result{}, runner.ParseError(errors.New("older timeline needs a max id"))
	}
	return c.fetchTimeline(ctx, step, step.Payload)
}

func (c *Client) fetchTimeline(ctx context.Context, step runner.Step, maxID string) (outcome.Result, error) {
	var res outcome.Result
	acct, err := c.account(step.Scope.Account)
	if err != nil {
		return res, err
	}

	path, err := timelinePath(step.Scope.Target)
	if err != nil {
		return res, err
	}
	q := url.Values{}
	q.Set("limit", strconv.Itoa(timelineLimit))
	if maxID != "" {
		q.Set("max_id", maxID)
	}

	var statuses []status
	if err := c.do(ctx, acct, request{method: http.MethodGet, path: path + "?" + q.Encode()}, &res, &statuses); err != nil {
		return res, err
	}

	own := strings.ToLower(acct.Username)
	for _, s := range statuses {
		res.IncMessages()
		if s.Visibility == "direct" {
			res.IncDirected()
		}
		if own != "" && mentions(s, own) {
			res.IncMentions()
		}
	}
	return res, nil
}

func timelinePath(target string) (string, error) {
	switch {
	case target == "" || target == "home":
		return "/api/v1/timelines/home", nil
	case target == "public":
		return "/api/v1/timelines/public", nil
	case strings.HasPrefix(target, "tag:") && len(target) > len("tag:"):
		return "/api/v1/timelines/tag/" + url.PathEscape(strings.TrimPrefix(target, "tag:")), nil
	default:
		return "", runner.ParseError(fmt.Errorf("unknown timeline %q", target))
	}
}

func mentions(s status, own string) bool {
	for _, m := range s.Mentions {
		if strings.ToLower(m.Username) == own || strings.ToLower(m.Acct) == own {
			return true
		}
	}
	return false
}

// RateLimitStatus queries the server and records the current quota.
func (c *Client) RateLimitStatus(ctx context.Context, step runner.Step) (outcome.Result, error) {
	var res outcome.Result
	acct, err := c.account(step.Scope.Account)
	if err != nil {
		return res, err
	}
	var me remoteAccount
	err = c.do(ctx, acct, request{method: http.MethodGet, path: "/api/v1/accounts/verify_credentials"}, &res, &me)
	return res, err
}

// FetchAvatar downloads the avatar of the remote account in the step target.
func (c *Client) FetchAvatar(ctx context.Context, step runner.Step) (outcome.Result, error) {
	var res outcome.Result
	acct, err := c.account(step.Scope.Account)
	if err != nil {
		return res, err
	}
	if step.Scope.Target == "" {
		return res, runner.ParseError(errors.New("fetch avatar needs an account id"))
	}

	var remote remoteAccount
	path := "/api/v1/accounts/" + url.PathEscape(step.Scope.Target)
	if err := c.do(ctx, acct, request{method: http.MethodGet, path: path}, &res, &remote); err != nil {
		return res, err
	}
	if remote.Avatar == "" {
		return res, runner.ParseError(fmt.Errorf("account %s has no avatar", step.Scope.Target))
	}

	n, err := c.download(ctx, remote.Avatar, avatarFile(c.dataDir, acct.Name, step.Scope.Target, remote.Avatar))
	if err != nil {
		return res, err
	}
	recordDownload(&res, "avatar", n)
	return res, nil
}

// FetchAttachment downloads a media attachment. The payload may carry the
// attachment URL; otherwise it is looked up by the media id in the target.
func (c *Client) FetchAttachment(ctx context.Context, step runner.Step) (outcome.Result, error) {
	var res outcome.Result
	acct, err := c.account(step.Scope.Account)
	if err != nil {
		return res, err
	}
	if step.Scope.Target == "" {
		return res, runner.ParseError(errors.New("fetch attachment needs a media id"))
	}

	src := step.Payload
	if src == "" {
		var media attachment
		path := "/api/v1/media/" + url.PathEscape(step.Scope.Target)
		if err := c.do(ctx, acct, request{method: http.MethodGet, path: path}, &res, &media); err != nil {
			return res, err
		}
		src = media.URL
	}
	if src == "" {
		return res, runner.ParseError(fmt.Errorf("attachment %s has no url", step.Scope.Target))
	}

	n, err := c.download(ctx, src, attachmentFile(c.dataDir, acct.Name, step.Scope.Target, src))
	if err != nil {
		return res, err
	}
	recordDownload(&res, "attachment", n)
	return res, nil
}

// recordDownload counts a stored file. An empty body counts as a soft
// error so the command is retried.
func recordDownload(res *outcome.Result, what string, n int64) {
	res.SetSoftErrorIfNotOK(n > 0)
	if n == 0 {
		res.AppendMessage(what + " download was empty")
		return
	}
	res.IncDownloaded()
}

// postBody is the status creation request. A plain text payload becomes the
// status text; a JSON object payload is sent as is.
type postBody map[string]any

func parsePost(payload string) (postBody, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, errors.New("empty message")
	}
	if strings.HasPrefix(trimmed, "{") {
		var body postBody
		if err := json.Unmarshal([]byte(trimmed), &body); err != nil {
			return nil, fmt.Errorf("invalid message payload: %w", err)
		}
		if text, _ := body["status"].(string); text == "" {
			if _, media := body["media_ids"]; !media {
				return nil, errors.New("message has neither text nor media")
			}
		}
		return body, nil
	}
	return postBody{"status": payload}, nil
}

// PostMessage publishes a status. The command id is sent as the idempotency
// key, so a retry after a lost response does not post twice.
func (c *Client) PostMessage(ctx context.Context, step runner.Step) (outcome.Result, error) {
	var res outcome.Result
	acct, err := c.account(step.Scope.Account)
	if err != nil {
		return res, err
	}
	body, err := parsePost(step.Payload)
	if err != nil {
		return res, runner.ParseError(err)
	}

	header := http.Header{}
	if step.CommandID != "" {
		header.Set("Idempotency-Key", step.CommandID)
	}
	var created status
	err = c.do(ctx, acct, request{method: http.MethodPost, path: "/api/v1/statuses", body: body, header: header}, &res, &created)
	if err != nil {
		return res, err
	}
	id, err := itemID(created.ID)
	if err != nil {
		return res, err
	}
	res.SetItemID(id)
	return res, nil
}

// DeleteMessage deletes the status in the step target. A status that is
// already gone counts as deleted.
func (c *Client) DeleteMessage(ctx context.Context, step runner.Step) (outcome.Result, error) {
	var res outcome.Result
	acct, err := c.account(step.Scope.Account)
	if err != nil {
		return res, err
	}
	id, err := itemID(step.Scope.Target)
	if err != nil {
		return res, err
	}

	path := "/api/v1/statuses/" + url.PathEscape(step.Scope.Target)
	err = c.do(ctx, acct, request{method: http.MethodDelete, path: path}, &res, nil)
	if err != nil && !IsStatus(err, http.StatusNotFound) {
		return res, err
	}
	if err != nil {
		res.AppendMessage("already deleted")
	}
	res.SetItemID(id)
	return res, nil
}

// Follow follows the remote account in the step target.
func (c *Client) Follow(ctx context.Context, step runner.Step) (outcome.Result, error) {
	var res outcome.Result
	acct, err := c.account(step.Scope.Account)
	if err != nil {
		return res, err
	}
	id, err := itemID(step.Scope.Target)
	if err != nil {
		return res, err
	}

	var rel relationship
	path := "/api/v1/accounts/" + url.PathEscape(step.Scope.Target) + "/follow"
	if err := c.do(ctx, acct, request{method: http.MethodPost, path: path}, &res, &rel); err != nil {
		return res, err
	}
	if !rel.Following && !rel.Requested {
		return res, runner.ParseError(fmt.Errorf("server did not follow %s", step.Scope.Target))
	}
	if rel.Requested && !rel.Following {
		res.AppendMessage("follow request pending approval")
	}
	res.SetItemID(id)
	return res, nil
}

// itemID parses a server id. Mastodon ids are decimal strings.
func itemID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, runner.ParseError(fmt.Errorf("invalid id %q", s))
	}
	return id, nil
}
