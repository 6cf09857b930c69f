package models

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const TestResourceKind ResourceKind = "test"
const TestResultResourceKind ResourceKind = "test-result"

type TestID struct {
	ResourceID
}

func NewTestID() TestID {
	return TestID{ResourceID: NewResourceID(TestResourceKind)}
}

func TestIDFromResourceID(id ResourceID) TestID {
	return TestID{ResourceID: id}
}

// Test is a grouping of test results posted by a worker while its run is
// RUNNING. A test is identified by (run, name, context).
type Test struct {
	ID        TestID       `json:"id" goqu:"skipupdate" db:"test_id"`
	RunID     RunID        `json:"run_id" goqu:"skipupdate" db:"test_run_id"`
	Name      ResourceName `json:"name" goqu:"skipupdate" db:"test_name"`
	Context   string       `json:"context,omitempty" goqu:"skipupdate" db:"test_context"`
	Status    Status       `json:"status" db:"test_status"`
	CreatedAt Time         `json:"created_at" goqu:"skipupdate" db:"test_created_at"`
	UpdatedAt Time         `json:"updated_at" db:"test_updated_at"`
	ETag      ETag         `json:"etag" db:"test_etag" hash:"ignore"`
}

func NewTest(now Time, runID RunID, name ResourceName, context string, status Status) *Test {
	return &Test{
		ID:        NewTestID(),
		RunID:     runID,
		Name:      name,
		Context:   context,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (m *Test) GetKind() ResourceKind {
	return TestResourceKind
}

func (m *Test) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *Test) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *Test) GetParentID() ResourceID {
	return m.RunID.ResourceID
}

func (m *Test) GetName() ResourceName {
	return m.Name
}

func (m *Test) GetUpdatedAt() Time {
	return m.UpdatedAt
}

func (m *Test) SetUpdatedAt(t Time) {
	m.UpdatedAt = t
}

func (m *Test) GetETag() ETag {
	return m.ETag
}

func (m *Test) SetETag(eTag ETag) {
	m.ETag = eTag
}

func (m *Test) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.RunID.Valid() {
		result = multierror.Append(result, errors.New("error run id must be set"))
	}
	if err := m.Name.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if !m.Status.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid status: %q", m.Status))
	}
	if m.CreatedAt.IsZero() {
		result = multierror.Append(result, errors.New("error created at must be set"))
	}
	return result.ErrorOrNil()
}

type TestResultID struct {
	ResourceID
}

func NewTestResultID() TestResultID {
	return TestResultID{ResourceID: NewResourceID(TestResultResourceKind)}
}

// TestResult is a single outcome within a Test.
type TestResult struct {
	ID        TestResultID `json:"id" goqu:"skipupdate" db:"test_result_id"`
	TestID    TestID       `json:"test_id" goqu:"skipupdate" db:"test_result_test_id"`
	Name      string       `json:"name" goqu:"skipupdate" db:"test_result_name"`
	Context   string       `json:"context,omitempty" goqu:"skipupdate" db:"test_result_context"`
	Status    Status       `json:"status" db:"test_result_status"`
	Output    *string      `json:"output,omitempty" db:"test_result_output"`
	CreatedAt Time         `json:"created_at" goqu:"skipupdate" db:"test_result_created_at"`
}

func NewTestResult(now Time, testID TestID, name string, context string, status Status, output *string) *TestResult {
	return &TestResult{
		ID:        NewTestResultID(),
		TestID:    testID,
		Name:      name,
		Context:   context,
		Status:    status,
		Output:    output,
		CreatedAt: now,
	}
}

func (m *TestResult) GetKind() ResourceKind {
	return TestResultResourceKind
}

func (m *TestResult) GetCreatedAt() Time {
	return m.CreatedAt
}

func (m *TestResult) GetID() ResourceID {
	return m.ID.ResourceID
}

func (m *TestResult) Validate() error {
	var result *multierror.Error
	if !m.ID.Valid() {
		result = multierror.Append(result, errors.New("error id must be set"))
	}
	if !m.TestID.Valid() {
		result = multierror.Append(result, errors.New("error test id must be set"))
	}
	if m.Name == "" {
		result = multierror.Append(result, errors.New("error name must be set"))
	}
	if !m.Status.Valid() {
		result = multierror.Append(result, errors.Errorf("error invalid status: %q", m.Status))
	}
	return result.ErrorOrNil()
}
