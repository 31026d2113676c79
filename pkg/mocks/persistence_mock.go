package mocks

import (
	"context"

	"github.com/dukex/labrun/pkg/models"
	"github.com/dukex/labrun/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockRecordStore is a mock implementation of persistence.RecordStore interface.
type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) Get(ctx context.Context, id string) (*models.Envelope, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Envelope), args.Error(1)
}

func (m *MockRecordStore) Create(ctx context.Context, req persistence.CreateRequest) (*models.Envelope, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Envelope), args.Error(1)
}

func (m *MockRecordStore) Update(ctx context.Context, req persistence.UpdateRequest) (*models.Envelope, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Envelope), args.Error(1)
}

func (m *MockRecordStore) List(ctx context.Context, opts persistence.ListOptions) ([]*models.Envelope, error) {
	args := m.Called(ctx, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Envelope), args.Error(1)
}

func (m *MockRecordStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockRecordStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockArtifactStore is a mock implementation of persistence.ArtifactStore interface.
type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) GetFile(ctx context.Context, path string) (*persistence.File, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.File), args.Error(1)
}

func (m *MockArtifactStore) CreateFile(ctx context.Context, path string, content []byte, message string) (*persistence.File, error) {
	args := m.Called(ctx, path, content, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.File), args.Error(1)
}

func (m *MockArtifactStore) UpdateFile(ctx context.Context, path string, content []byte, sha, message string) (*persistence.File, error) {
	args := m.Called(ctx, path, content, sha, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*persistence.File), args.Error(1)
}

// MockNotifier is a mock implementation of notify.Notifier interface.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyIncident(ctx context.Context, incident *models.ExecutionIncident) error {
	args := m.Called(ctx, incident)

	return args.Error(0)
}
