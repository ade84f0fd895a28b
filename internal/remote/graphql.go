package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/animeshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/animeshelf/internal/library"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint is the public AniList GraphQL endpoint.
	DefaultEndpoint = "https://graphql.anilist.co"
	// DefaultTimeout bounds every remote call.
	DefaultTimeout = 30 * time.Second
	// DefaultRequestsPerMinute matches the AniList documented budget.
	DefaultRequestsPerMinute = 90

	rateLimiterBurst = 5
	maxResponseBytes = 16 << 20
)

var (
	errMissingEndpoint    = errors.New("remote endpoint is required")
	errMissingCredentials = errors.New("credential source is required")
)

const mediaListCollectionQuery = `query ($userId: Int, $type: MediaType) {
  MediaListCollection(userId: $userId, type: $type) {
    lists {
      name
      entries {
        id
        mediaId
        status
        progress
        score(format: POINT_10_DECIMAL)
        media {
          id
          title { romaji english native }
          coverImage { large medium }
          episodes
          format
          genres
          description(asHtml: false)
        }
      }
    }
  }
}`

const saveMediaListEntryMutation = `mutation ($mediaId: Int, $status: MediaListStatus, $progress: Int, $scoreRaw: Int) {
  SaveMediaListEntry(mediaId: $mediaId, status: $status, progress: $progress, scoreRaw: $scoreRaw) {
    id
    mediaId
    status
    progress
    score(format: POINT_10_DECIMAL)
  }
}`

// ClientConfig wires the GraphQL transport.
type ClientConfig struct {
	Endpoint    string
	Credentials auth.CredentialSource
	HTTPClient  *http.Client
	Timeout     time.Duration
	// RequestsPerMinute of zero selects the default budget; a negative value disables limiting.
	RequestsPerMinute int
	Logger            *zap.Logger
}

// GraphQLClient talks to the AniList GraphQL API and classifies every failure.
type GraphQLClient struct {
	endpoint    string
	credentials auth.CredentialSource
	httpClient  *http.Client
	timeout     time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewGraphQLClient validates the configuration and constructs a client.
func NewGraphQLClient(cfg ClientConfig) (*GraphQLClient, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errMissingEndpoint
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	switch {
	case cfg.RequestsPerMinute == 0:
		limiter = rate.NewLimiter(rate.Every(time.Minute/DefaultRequestsPerMinute), rateLimiterBurst)
	case cfg.RequestsPerMinute > 0:
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), rateLimiterBurst)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphQLClient{
		endpoint:    endpoint,
		credentials: cfg.Credentials,
		httpClient:  httpClient,
		timeout:     timeout,
		limiter:     limiter,
		logger:      logger,
	}, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

type wireTitle struct {
	Romaji  string `json:"romaji"`
	English string `json:"english"`
	Native  string `json:"native"`
}

type wireCover struct {
	Large  string `json:"large"`
	Medium string `json:"medium"`
}

type wireMedia struct {
	ID          int64     `json:"id"`
	Title       wireTitle `json:"title"`
	CoverImage  wireCover `json:"coverImage"`
	Episodes    *int      `json:"episodes"`
	Format      string    `json:"format"`
	Genres      []string  `json:"genres"`
	Description string    `json:"description"`
}

type wireListEntry struct {
	ID       int64      `json:"id"`
	MediaID  int64      `json:"mediaId"`
	Status   string     `json:"status"`
	Progress int        `json:"progress"`
	Score    float64    `json:"score"`
	Media    *wireMedia `json:"media"`
}

type collectionData struct {
	MediaListCollection *struct {
		Lists []struct {
			Name    string          `json:"name"`
			Entries []wireListEntry `json:"entries"`
		} `json:"lists"`
	} `json:"MediaListCollection"`
}

type saveEntryData struct {
	SaveMediaListEntry *wireListEntry `json:"SaveMediaListEntry"`
}

// FetchFullList downloads the user's anime list. Entries that appear in several
// lists are returned once.
func (c *GraphQLClient) FetchFullList(ctx context.Context, userID string) ([]RemoteEntry, error) {
	numericUserID, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return nil, &Error{Kind: KindRejected, Message: fmt.Sprintf("user id %q is not numeric", userID), Err: err}
	}

	var data collectionData
	if err := c.execute(ctx, "fetch_full_list", mediaListCollectionQuery, map[string]any{
		"userId": numericUserID,
		"type":   "ANIME",
	}, &data); err != nil {
		return nil, err
	}
	if data.MediaListCollection == nil {
		return nil, &Error{Kind: KindMalformed, Message: "response carried no MediaListCollection"}
	}

	seen := make(map[int64]struct{})
	entries := make([]RemoteEntry, 0)
	for _, list := range data.MediaListCollection.Lists {
		for _, wire := range list.Entries {
			if _, duplicate := seen[wire.MediaID]; duplicate {
				continue
			}
			status, err := fromRemoteStatus(wire.Status)
			if err != nil {
				c.logger.Warn("skipping list entry with unknown status",
					zap.Int64("media_id", wire.MediaID),
					zap.String("status", wire.Status))
				continue
			}
			seen[wire.MediaID] = struct{}{}
			entries = append(entries, RemoteEntry{
				RemoteID: wire.ID,
				MediaID:  wire.MediaID,
				Status:   status,
				Progress: wire.Progress,
				Score:    scorePointer(wire.Score),
				Media:    toMediaRecord(wire.MediaID, wire.Media),
			})
		}
	}
	return entries, nil
}

// ApplyProgress saves progress, and the optional status and score, for one media id.
func (c *GraphQLClient) ApplyProgress(ctx context.Context, update ProgressUpdate) (ConfirmedEntry, error) {
	variables := map[string]any{
		"mediaId":  update.MediaID,
		"progress": update.Progress,
	}
	if update.Status != nil {
		variables["status"] = toRemoteStatus(*update.Status)
	}
	if update.Score != nil {
		variables["scoreRaw"] = int(math.Round(*update.Score * 10))
	}
	return c.saveEntry(ctx, "apply_progress", variables)
}

// ApplyStatus saves a status change for one media id.
func (c *GraphQLClient) ApplyStatus(ctx context.Context, mediaID int64, status library.Status) (ConfirmedEntry, error) {
	return c.saveEntry(ctx, "apply_status", map[string]any{
		"mediaId": mediaID,
		"status":  toRemoteStatus(status),
	})
}

func (c *GraphQLClient) saveEntry(ctx context.Context, operation string, variables map[string]any) (ConfirmedEntry, error) {
	var data saveEntryData
	if err := c.execute(ctx, operation, saveMediaListEntryMutation, variables, &data); err != nil {
		return ConfirmedEntry{}, err
	}
	if data.SaveMediaListEntry == nil {
		return ConfirmedEntry{}, &Error{Kind: KindMalformed, Message: "response carried no SaveMediaListEntry"}
	}
	saved := data.SaveMediaListEntry
	status, err := fromRemoteStatus(saved.Status)
	if err != nil {
		return ConfirmedEntry{}, &Error{Kind: KindMalformed, Message: err.Error(), Err: err}
	}
	return ConfirmedEntry{
		RemoteID: saved.ID,
		MediaID:  saved.MediaID,
		Status:   status,
		Progress: saved.Progress,
		Score:    scorePointer(saved.Score),
	}, nil
}

func (c *GraphQLClient) execute(ctx context.Context, operation, query string, variables map[string]any, out any) error {
	credentials, err := c.credentials.Credentials(ctx)
	if err != nil {
		if auth.IsAuthError(err) {
			return &Error{Kind: KindUnauthenticated, Message: "no usable access token", Err: err}
		}
		return fmt.Errorf("remote.%s: load credentials: %w", operation, err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return &Error{Kind: KindUnreachable, Message: "rate limiter wait aborted", Err: err}
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("remote.%s: encode request: %w", operation, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("remote.%s: build request: %w", operation, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("Authorization", "Bearer "+credentials.AccessToken)

	startedAt := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return &Error{Kind: KindUnreachable, Message: err.Error(), Err: err}
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return &Error{Kind: KindUnreachable, Message: "response body read failed", StatusCode: response.StatusCode, Err: err}
	}

	c.logger.Debug("remote call completed",
		zap.String("operation", operation),
		zap.Int("status_code", response.StatusCode),
		zap.Duration("elapsed", time.Since(startedAt)))

	var decoded graphQLResponse
	decodeErr := json.Unmarshal(payload, &decoded)

	if classified := classifyStatus(response, decoded.Errors); classified != nil {
		return classified
	}
	if decodeErr != nil {
		return &Error{Kind: KindMalformed, Message: "response is not valid json", StatusCode: response.StatusCode, Err: decodeErr}
	}
	if len(decoded.Errors) > 0 {
		return classifyGraphQLErrors(response.StatusCode, decoded.Errors)
	}
	if len(decoded.Data) == 0 || string(decoded.Data) == "null" {
		return &Error{Kind: KindMalformed, Message: "response carried no data", StatusCode: response.StatusCode}
	}
	if err := json.Unmarshal(decoded.Data, out); err != nil {
		return &Error{Kind: KindMalformed, Message: "response data did not match the query", StatusCode: response.StatusCode, Err: err}
	}
	return nil
}

func classifyStatus(response *http.Response, errs []graphQLError) *Error {
	statusCode := response.StatusCode
	message := firstMessage(errs, http.StatusText(statusCode))
	switch {
	case statusCode == http.StatusOK:
		return nil
	case statusCode == http.StatusUnauthorized || mentionsInvalidToken(errs):
		return &Error{Kind: KindUnauthenticated, Message: message, StatusCode: statusCode}
	case statusCode == http.StatusTooManyRequests:
		return &Error{
			Kind:       KindRateLimited,
			Message:    message,
			StatusCode: statusCode,
			RetryAfter: parseRetryAfter(response.Header.Get("Retry-After")),
		}
	case statusCode >= http.StatusInternalServerError:
		return &Error{Kind: KindServerError, Message: message, StatusCode: statusCode}
	default:
		return &Error{Kind: KindRejected, Message: message, StatusCode: statusCode}
	}
}

func classifyGraphQLErrors(statusCode int, errs []graphQLError) *Error {
	message := firstMessage(errs, "remote returned errors")
	if mentionsInvalidToken(errs) {
		return &Error{Kind: KindUnauthenticated, Message: message, StatusCode: statusCode}
	}
	for _, graphErr := range errs {
		switch {
		case graphErr.Status == http.StatusUnauthorized:
			return &Error{Kind: KindUnauthenticated, Message: graphErr.Message, StatusCode: graphErr.Status}
		case graphErr.Status == http.StatusTooManyRequests:
			return &Error{Kind: KindRateLimited, Message: graphErr.Message, StatusCode: graphErr.Status}
		case graphErr.Status >= http.StatusInternalServerError:
			return &Error{Kind: KindServerError, Message: graphErr.Message, StatusCode: graphErr.Status}
		}
	}
	return &Error{Kind: KindRejected, Message: message, StatusCode: statusCode}
}

func mentionsInvalidToken(errs []graphQLError) bool {
	for _, graphErr := range errs {
		if strings.Contains(strings.ToLower(graphErr.Message), "invalid token") {
			return true
		}
	}
	return false
}

func firstMessage(errs []graphQLError, fallback string) string {
	for _, graphErr := range errs {
		if strings.TrimSpace(graphErr.Message) != "" {
			return graphErr.Message
		}
	}
	return fallback
}

func parseRetryAfter(header string) time.Duration {
	value := strings.TrimSpace(header)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func scorePointer(score float64) *float64 {
	if score <= 0 {
		return nil
	}
	value := score
	return &value
}

func toMediaRecord(mediaID int64, media *wireMedia) library.MediaRecord {
	record := library.MediaRecord{MediaID: mediaID, Genres: []string{}}
	if media == nil {
		return record
	}
	record.TitleRomaji = media.Title.Romaji
	record.TitleEnglish = media.Title.English
	record.TitleNative = media.Title.Native
	record.CoverLargeURL = media.CoverImage.Large
	record.CoverMediumURL = media.CoverImage.Medium
	record.Episodes = media.Episodes
	record.Format = media.Format
	if media.Genres != nil {
		record.Genres = media.Genres
	}
	record.Synopsis = media.Description
	return record
}

func toRemoteStatus(status library.Status) string {
	switch status {
	case library.StatusWatching:
		return "CURRENT"
	case library.StatusCompleted:
		return "COMPLETED"
	case library.StatusPlanToWatch:
		return "PLANNING"
	case library.StatusOnHold:
		return "PAUSED"
	case library.StatusDropped:
		return "DROPPED"
	default:
		return strings.ToUpper(string(status))
	}
}

func fromRemoteStatus(value string) (library.Status, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "CURRENT", "REPEATING":
		return library.StatusWatching, nil
	case "COMPLETED":
		return library.StatusCompleted, nil
	case "PLANNING":
		return library.StatusPlanToWatch, nil
	case "PAUSED":
		return library.StatusOnHold, nil
	case "DROPPED":
		return library.StatusDropped, nil
	default:
		return "", fmt.Errorf("%w: remote status %q", library.ErrInvalidStatus, value)
	}
}
