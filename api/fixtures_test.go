package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/recasthq/recast/auth"
	"github.com/recasthq/recast/config"
	"github.com/recasthq/recast/db"
	"github.com/recasthq/recast/provider"
	"github.com/recasthq/recast/service"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

var (
	memberSubject = auth.Subject{UserID: "u1", WorkspaceID: "w1", Role: auth.RoleMember, SessionID: "s1"}
	adminSubject  = auth.Subject{UserID: "u2", WorkspaceID: "w1", Role: auth.RoleAdmin, SessionID: "s2"}
	ownerSubject  = auth.Subject{UserID: "u3", WorkspaceID: "w1", Role: auth.RoleOwner, SessionID: "s3"}
)

// fakeAuthService scripts the auth facade. VerifySession trusts the
// token claims unless sessionErr is set, so any signed token maps to
// its embedded subject.
type fakeAuthService struct {
	mu sync.Mutex

	registered  []auth.RegisterRequest
	registerErr error

	pair     *auth.TokenPair
	loginErr error

	refreshErr error

	sessionErr error

	loggedOut []auth.Subject

	changeErr error
	changes   [][2]string

	sessions []db.SessionInfo

	revoked   []string
	revokeErr error

	user      *db.User
	workspace *db.Workspace
}

func newFakeAuthService() *fakeAuthService {
	return &fakeAuthService{
		pair: &auth.TokenPair{Access: "acc", Refresh: "ref", ExpiresIn: 1800},
		user: &db.User{ID: "u1", WorkspaceID: "w1", Email: "a@x.io", Role: auth.RoleMember, IsActive: true},
		workspace: &db.Workspace{
			ID:   "w1",
			Name: "a's workspace",
			Plan: db.DefaultPlan,
		},
	}
}

func (f *fakeAuthService) Register(_ context.Context, req auth.RegisterRequest) (*db.User, *db.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, nil, f.registerErr
	}
	f.registered = append(f.registered, req)
	return f.user, f.workspace, nil
}

func (f *fakeAuthService) Login(context.Context, string, string) (*auth.TokenPair, *db.User, error) {
	if f.loginErr != nil {
		return nil, nil, f.loginErr
	}
	return f.pair, f.user, nil
}

func (f *fakeAuthService) Refresh(context.Context, string) (*auth.TokenPair, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.pair, nil
}

func (f *fakeAuthService) Logout(_ context.Context, sub auth.Subject) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = append(f.loggedOut, sub)
	return nil
}

func (f *fakeAuthService) Authenticate(context.Context, string) (auth.Subject, error) {
	return auth.Subject{}, auth.ErrTokenInvalid
}

func (f *fakeAuthService) VerifySession(_ context.Context, claims *auth.Claims) (auth.Subject, error) {
	if f.sessionErr != nil {
		return auth.Subject{}, f.sessionErr
	}
	return claims.Subject(), nil
}

func (f *fakeAuthService) ChangePassword(_ context.Context, _ auth.Subject, current, next string) error {
	if f.changeErr != nil {
		return f.changeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, [2]string{current, next})
	return nil
}

func (f *fakeAuthService) Sessions(context.Context, auth.Subject) ([]db.SessionInfo, error) {
	return f.sessions, nil
}

func (f *fakeAuthService) RevokeSession(_ context.Context, _ auth.Subject, sessionID string) error {
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, sessionID)
	return nil
}

func (f *fakeAuthService) Me(context.Context, auth.Subject) (*db.User, *db.Workspace, error) {
	return f.user, f.workspace, nil
}

// fakeTransformations records handler calls against canned rows.
type fakeTransformations struct {
	mu sync.Mutex

	created   []service.CreateTransformationInput
	createErr error
	row       *db.Transformation
	rows      []*db.Transformation
	getErr    error
	cancelled []string
	cancelErr error
}

func (f *fakeTransformations) Create(_ context.Context, _ auth.Subject, input service.CreateTransformationInput) (*db.Transformation, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, input)
	return f.row, nil
}

func (f *fakeTransformations) Get(_ context.Context, _ auth.Subject, id string) (*db.Transformation, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.row, nil
}

func (f *fakeTransformations) List(_ context.Context, _ auth.Subject, _ db.TransformationFilter) ([]*db.Transformation, int64, error) {
	return f.rows, int64(len(f.rows)), nil
}

func (f *fakeTransformations) Cancel(_ context.Context, _ auth.Subject, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

// fakeDocuments records handler calls. Upload drains the content
// stream to prove the multipart plumbing delivers the file bytes.
type fakeDocuments struct {
	mu sync.Mutex

	uploads    []service.UploadInput
	uploadBody []byte
	uploadErr  error
	row        *db.Document
	rows       []*db.Document
	getErr     error
	content    *service.DocumentContent
	contentErr error
	deleted    []string
	deleteErr  error
}

func (f *fakeDocuments) Upload(_ context.Context, _ auth.Subject, input service.UploadInput) (*db.Document, error) {
	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	body, err := io.ReadAll(input.Content)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, input)
	f.uploadBody = body
	return f.row, nil
}

func (f *fakeDocuments) Get(_ context.Context, _ auth.Subject, id string) (*db.Document, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.row, nil
}

func (f *fakeDocuments) List(_ context.Context, _ auth.Subject, _ db.DocumentFilter) ([]*db.Document, int64, error) {
	return f.rows, int64(len(f.rows)), nil
}

func (f *fakeDocuments) Content(_ context.Context, _ auth.Subject, id string) (*service.DocumentContent, error) {
	if f.contentErr != nil {
		return nil, f.contentErr
	}
	return f.content, nil
}

func (f *fakeDocuments) Reprocess(_ context.Context, _ auth.Subject, id string) (*db.Document, error) {
	return f.row, nil
}

func (f *fakeDocuments) Delete(_ context.Context, _ auth.Subject, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

// fakePresets records handler calls against canned rows.
type fakePresets struct {
	mu sync.Mutex

	created   []service.CreatePresetInput
	createErr error
	updated   []service.UpdatePresetInput
	updateErr error
	row       *db.Preset
	rows      []*db.Preset
	getErr    error
	deleted   []string
	deleteErr error
}

func (f *fakePresets) Create(_ context.Context, _ auth.Subject, input service.CreatePresetInput) (*db.Preset, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, input)
	return f.row, nil
}

func (f *fakePresets) Get(_ context.Context, _ auth.Subject, id string) (*db.Preset, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.row, nil
}

func (f *fakePresets) List(_ context.Context, _ auth.Subject, _ db.PresetFilter) ([]*db.Preset, int64, error) {
	return f.rows, int64(len(f.rows)), nil
}

func (f *fakePresets) Update(_ context.Context, _ auth.Subject, _ string, input service.UpdatePresetInput) (*db.Preset, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, input)
	return f.row, nil
}

func (f *fakePresets) Delete(_ context.Context, _ auth.Subject, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeProviderOps struct {
	status []provider.Status
	names  []string
	usage  *provider.UsageRecorder
}

func (f *fakeProviderOps) Status() []provider.Status      { return f.status }
func (f *fakeProviderOps) Names() []string                { return f.names }
func (f *fakeProviderOps) Usage() *provider.UsageRecorder { return f.usage }

type fakeStats struct {
	usage *db.UsageStats
	err   error
}

func (f *fakeStats) WorkspaceUsage(context.Context, auth.Subject) (*db.UsageStats, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.usage, nil
}

// apiFixture assembles a full server over fakes with real token
// verification middleware.
type apiFixture struct {
	e               *echo.Echo
	handlers        *Handlers
	tokens          *auth.TokenService
	authsvc         *fakeAuthService
	transformations *fakeTransformations
	documents       *fakeDocuments
	presets         *fakePresets
	providers       *fakeProviderOps
	stats           *fakeStats
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		tokens:          auth.NewTokenService(testSigningKey, "recast-test", 30*time.Minute),
		authsvc:         newFakeAuthService(),
		transformations: &fakeTransformations{},
		documents:       &fakeDocuments{},
		presets:         &fakePresets{},
		providers: &fakeProviderOps{
			names: []string{"mock"},
			usage: provider.NewUsageRecorder(nil),
		},
		stats: &fakeStats{usage: &db.UsageStats{}},
	}
	f.handlers = &Handlers{
		Auth:            f.authsvc,
		Tokens:          f.tokens,
		Transformations: f.transformations,
		Documents:       f.documents,
		Presets:         f.presets,
		Providers:       f.providers,
		Usage:           f.stats,
	}
	f.e = NewServer(config.ServerConfig{
		BodyLimit:      "10M",
		AllowedOrigins: []string{"*"},
	}, f.handlers)
	return f
}

// bearer signs an access token for sub.
func (f *apiFixture) bearer(t *testing.T, sub auth.Subject) string {
	t.Helper()
	token, _, err := f.tokens.GenerateAccessToken(sub)
	require.NoError(t, err)
	return "Bearer " + token
}

// do runs one request through the full middleware chain.
func (f *apiFixture) do(t *testing.T, method, path, authz string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if authz != "" {
		req.Header.Set(echo.HeaderAuthorization, authz)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

// decodeJSON unmarshals a response body into a generic map.
func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
