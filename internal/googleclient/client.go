package googleclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

const (
	defaultTimeout   = 15 * time.Second
	listPageSize     = 10
	driveFileFields  = "files(id,name,mimeType,modifiedTime)"
	primaryCalendar  = "primary"
	eventOrderByTime = "startTime"
)

// Client lists Drive files and Calendar events on behalf of a user holding an access token.
type Client struct {
	timeout          time.Duration
	driveEndpoint    string
	calendarEndpoint string
	now              func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout bounds each downstream call.
func WithTimeout(timeout time.Duration) Option {
	return func(client *Client) {
		if timeout > 0 {
			client.timeout = timeout
		}
	}
}

// WithEndpoints points the Drive and Calendar services at alternative base URLs.
func WithEndpoints(driveEndpoint string, calendarEndpoint string) Option {
	return func(client *Client) {
		client.driveEndpoint = driveEndpoint
		client.calendarEndpoint = calendarEndpoint
	}
}

// NewClient constructs a pass-through client.
func NewClient(options ...Option) *Client {
	client := &Client{timeout: defaultTimeout, now: time.Now}
	for _, apply := range options {
		apply(client)
	}
	return client
}

// ListDriveFiles returns the first page of the user's Drive files.
func (client *Client) ListDriveFiles(ctx context.Context, accessToken string) (any, error) {
	callContext, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	service, err := drive.NewService(callContext, client.serviceOptions(callContext, accessToken, client.driveEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("googleclient.drive.new_service: %w", err)
	}
	files, err := service.Files.List().
		PageSize(listPageSize).
		Fields(driveFileFields).
		Context(callContext).
		Do()
	if err != nil {
		return nil, fmt.Errorf("googleclient.drive.files_list: %w", err)
	}
	return files, nil
}

// ListCalendarEvents returns the next upcoming events of the user's primary calendar.
func (client *Client) ListCalendarEvents(ctx context.Context, accessToken string) (any, error) {
	callContext, cancel := context.WithTimeout(ctx, client.timeout)
	defer cancel()

	service, err := calendar.NewService(callContext, client.serviceOptions(callContext, accessToken, client.calendarEndpoint)...)
	if err != nil {
		return nil, fmt.Errorf("googleclient.calendar.new_service: %w", err)
	}
	events, err := service.Events.List(primaryCalendar).
		MaxResults(listPageSize).
		SingleEvents(true).
		OrderBy(eventOrderByTime).
		TimeMin(client.now().UTC().Format(time.RFC3339)).
		Context(callContext).
		Do()
	if err != nil {
		return nil, fmt.Errorf("googleclient.calendar.events_list: %w", err)
	}
	return events, nil
}

func (client *Client) serviceOptions(ctx context.Context, accessToken string, endpoint string) []option.ClientOption {
	baseContext := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: client.timeout})
	httpClient := oauth2.NewClient(baseContext, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	options := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint != "" {
		options = append(options, option.WithEndpoint(endpoint))
	}
	return options
}
