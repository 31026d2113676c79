package mocks

import (
	"context"

	"github.com/dukex/labrun/pkg/adapters"
	"github.com/dukex/labrun/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mock implementation of adapters.Transport interface.
type MockTransport struct {
	mock.Mock

	ID       string
	ModeName models.ExecutionMode
}

// NewMockTransport creates a mock transport with a fixed adapter id and mode.
func NewMockTransport(id string, mode models.ExecutionMode) *MockTransport {
	return &MockTransport{ID: id, ModeName: mode}
}

func (m *MockTransport) AdapterID() string {
	return m.ID
}

func (m *MockTransport) Mode() models.ExecutionMode {
	return m.ModeName
}

func (m *MockTransport) Execute(ctx context.Context, req adapters.ExecuteRequest) (*adapters.Result, error) {
	args := m.Called(ctx, req)

	result, _ := args.Get(0).(*adapters.Result)

	return result, args.Error(1)
}

func (m *MockTransport) Status(ctx context.Context, run *models.ExecutionRun) (*adapters.StatusResult, error) {
	args := m.Called(ctx, run)

	result, _ := args.Get(0).(*adapters.StatusResult)

	return result, args.Error(1)
}

func (m *MockTransport) Cancel(ctx context.Context, run *models.ExecutionRun) error {
	args := m.Called(ctx, run)

	return args.Error(0)
}

func (m *MockTransport) Logs(ctx context.Context, run *models.ExecutionRun) ([]adapters.LogLine, error) {
	args := m.Called(ctx, run)

	lines, _ := args.Get(0).([]adapters.LogLine)

	return lines, args.Error(1)
}

func (m *MockTransport) Health(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
