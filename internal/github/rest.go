package gh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	github "github.com/google/go-github/v55/github"
	perr "github.com/jmgilman/go/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

const defaultUserAgent = "rancher-submit-action"

// RESTOption customizes the REST factory.
type RESTOption func(*restFactory)

// WithRateLimit throttles API requests to rps requests per second with the
// given burst. A non-positive rps disables throttling.
func WithRateLimit(rps float64, burst int) RESTOption {
	return func(f *restFactory) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewRESTFactory returns a GitHub client factory backed by the go-github REST client. When
// base and upload URLs are provided, the factory targets a GitHub Enterprise instance.
func NewRESTFactory(baseURL, uploadURL string, opts ...RESTOption) Factory {
	f := &restFactory{
		userAgent: defaultUserAgent,
		baseURL:   strings.TrimSpace(baseURL),
		uploadURL: strings.TrimSpace(uploadURL),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type restFactory struct {
	userAgent string
	baseURL   string
	uploadURL string
	limiter   *rate.Limiter
}

type restClient struct {
	client *github.Client
}

// throttledTransport waits for the limiter before every request.
type throttledTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

func (t *throttledTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}

func (f *restFactory) New(ctx context.Context, token string) (Client, error) {
	if token == "" {
		return nil, perr.New(perr.CodeInvalidConfig, "github token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	if f.limiter != nil {
		tc.Transport = &throttledTransport{base: tc.Transport, limiter: f.limiter}
	}

	if f.baseURL == "" && f.uploadURL != "" {
		return nil, perr.New(perr.CodeInvalidConfig, "github upload url cannot be set without base url")
	}

	var ghClient *github.Client
	if f.baseURL != "" {
		baseURLNormalized, err := normalizeGitHubURL(f.baseURL)
		if err != nil {
			return nil, perr.Wrap(err, perr.CodeInvalidConfig, "parse github base url")
		}

		uploadURL := f.uploadURL
		if uploadURL == "" {
			return nil, perr.New(perr.CodeInvalidConfig, "github upload url must be provided when base url is set")
		}

		uploadURLNormalized, err := normalizeGitHubURL(uploadURL)
		if err != nil {
			return nil, perr.Wrap(err, perr.CodeInvalidConfig, "parse github upload url")
		}

		ghClient, err = github.NewClient(tc).WithEnterpriseURLs(baseURLNormalized, uploadURLNormalized)
		if err != nil {
			return nil, perr.Wrap(err, perr.CodeInvalidConfig, "construct enterprise github client")
		}
	} else {
		ghClient = github.NewClient(tc)
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}

	return &restClient{client: ghClient}, nil
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func toPullRequest(owner, repo string, pr *github.PullRequest) PullRequest {
	labels := make([]string, 0, len(pr.Labels))
	for _, label := range pr.Labels {
		if label == nil {
			continue
		}
		if name := label.GetName(); name != "" {
			labels = append(labels, name)
		}
	}

	result := PullRequest{
		Owner:   owner,
		Repo:    repo,
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		State:   pr.GetState(),
		Draft:   pr.GetDraft(),
		HTMLURL: pr.GetHTMLURL(),
		Labels:  labels,
	}
	if user := pr.GetUser(); user != nil {
		result.Author = user.GetLogin()
	}
	if head := pr.GetHead(); head != nil {
		result.HeadSHA = head.GetSHA()
		result.HeadRef = head.GetRef()
	}
	if base := pr.GetBase(); base != nil {
		result.BaseRef = base.GetRef()
	}
	return result
}

func (c *restClient) GetPullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error) {
	pr, resp, err := c.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		if isNotFound(resp, err) {
			return PullRequest{}, perr.Wrapf(ErrPullRequestNotFound, perr.CodeNotFound, "pull request #%d", number)
		}
		return PullRequest{}, fmt.Errorf("get pull request: %w", classifyGitHubError(err))
	}
	return toPullRequest(owner, repo, pr), nil
}

func (c *restClient) ListOpenPullRequests(ctx context.Context, owner, repo, base string) ([]PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		Base:        base,
		Sort:        "created",
		Direction:   "asc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var results []PullRequest
	for {
		prs, resp, err := c.client.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, fmt.Errorf("list pull requests: %w", classifyGitHubError(err))
		}

		for _, pr := range prs {
			if pr == nil {
				continue
			}
			results = append(results, toPullRequest(owner, repo, pr))
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return results, nil
}

func (c *restClient) CommentOnPullRequest(ctx context.Context, owner, repo string, number int, body string) error {
	comment := &github.IssueComment{Body: github.String(body)}
	if _, _, err := c.client.Issues.CreateComment(ctx, owner, repo, number, comment); err != nil {
		return fmt.Errorf("create comment: %w", classifyGitHubError(err))
	}
	return nil
}

func (c *restClient) ListPullRequestComments(ctx context.Context, owner, repo string, number int) ([]IssueComment, error) {
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var results []IssueComment

	for {
		comments, resp, err := c.client.Issues.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", classifyGitHubError(err))
		}

		for _, comment := range comments {
			if comment == nil {
				continue
			}
			results = append(results, IssueComment{ID: comment.GetID(), Body: comment.GetBody()})
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return results, nil
}

func (c *restClient) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) error {
	comment := &github.IssueComment{Body: github.String(body)}
	if _, _, err := c.client.Issues.EditComment(ctx, owner, repo, commentID, comment); err != nil {
		return fmt.Errorf("edit comment: %w", classifyGitHubError(err))
	}
	return nil
}

func (c *restClient) AddLabel(ctx context.Context, owner, repo string, number int, label string) error {
	if _, _, err := c.client.Issues.AddLabelsToIssue(ctx, owner, repo, number, []string{label}); err != nil {
		return fmt.Errorf("add label %s: %w", label, classifyGitHubError(err))
	}
	return nil
}

func (c *restClient) RemoveLabel(ctx context.Context, owner, repo string, number int, label string) error {
	resp, err := c.client.Issues.RemoveLabelForIssue(ctx, owner, repo, number, label)
	if err != nil {
		if isNotFound(resp, err) {
			return nil
		}
		return fmt.Errorf("remove label %s: %w", label, classifyGitHubError(err))
	}
	return nil
}

func (c *restClient) ClosePullRequest(ctx context.Context, owner, repo string, number int) error {
	update := &github.PullRequest{State: github.String("closed")}
	if _, _, err := c.client.PullRequests.Edit(ctx, owner, repo, number, update); err != nil {
		return fmt.Errorf("close pull request: %w", classifyGitHubError(err))
	}
	return nil
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var githubErr *github.ErrorResponse
	if errors.As(err, &githubErr) {
		if githubErr.Response != nil && githubErr.Response.StatusCode == http.StatusNotFound {
			return true
		}
	}
	return false
}

// classifyGitHubError maps API failures to platform error codes so callers can
// make retry decisions with perr.IsRetryable.
func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return perr.Wrap(err, perr.CodeRateLimit, "github rate limit exceeded")
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return perr.Wrap(err, perr.CodeRateLimit, "github secondary rate limit exceeded")
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return perr.Wrap(err, perr.CodeUnavailable, "github accepted the request for background processing")
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		switch {
		case code == http.StatusTooManyRequests:
			return perr.Wrap(err, perr.CodeRateLimit, "github rate limit exceeded")
		case code >= 500 && code <= 599:
			return perr.Wrapf(err, perr.CodeUnavailable, "github returned %d", code)
		case code == http.StatusUnauthorized:
			return perr.Wrap(err, perr.CodeUnauthorized, "github rejected the token")
		case code == http.StatusForbidden:
			return perr.Wrap(err, perr.CodeForbidden, "github denied access")
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return perr.Wrap(err, perr.CodeNetwork, "github request timed out")
	}

	return err
}
