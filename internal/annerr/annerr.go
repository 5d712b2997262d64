// Package annerr implements the exhaustive error taxonomy a Collection
// can return. Each code has a typed struct carrying the fields needed
// for a useful message, wired into github.com/cockroachdb/errors for
// stack-trace-carrying wraps instead of bare fmt.Errorf.
package annerr

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Code is the integer error code surfaced across the collection API.
type Code int

const (
	Success Code = iota
	StatusError
	DuplicateKey
	InexistentKey
	InexistentColumn
	DuplicateCollection
	InvalidIndexDataFormat
	InvalidSegment
	InvalidRecord
	InvalidQuery
	MismatchedSchema
	UpdateColumnNameField
	UpdateIndexTypeField
	UpdateDataTypeField
	UpdateParametersField
	UpdateRepositoryTypeField
	RuntimeError
	ReadData
	WriteData
	ExceedLimit
	UnpackIndex
	ConfigError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case StatusError:
		return "StatusError"
	case DuplicateKey:
		return "DuplicateKey"
	case InexistentKey:
		return "InexistentKey"
	case InexistentColumn:
		return "InexistentColumn"
	case DuplicateCollection:
		return "DuplicateCollection"
	case InvalidIndexDataFormat:
		return "InvalidIndexDataFormat"
	case InvalidSegment:
		return "InvalidSegment"
	case InvalidRecord:
		return "InvalidRecord"
	case InvalidQuery:
		return "InvalidQuery"
	case MismatchedSchema:
		return "MismatchedSchema"
	case UpdateColumnNameField:
		return "UpdateColumnNameField"
	case UpdateIndexTypeField:
		return "UpdateIndexTypeField"
	case UpdateDataTypeField:
		return "UpdateDataTypeField"
	case UpdateParametersField:
		return "UpdateParametersField"
	case UpdateRepositoryTypeField:
		return "UpdateRepositoryTypeField"
	case RuntimeError:
		return "RuntimeError"
	case ReadData:
		return "ReadData"
	case WriteData:
		return "WriteData"
	case ExceedLimit:
		return "ExceedLimit"
	case UnpackIndex:
		return "UnpackIndex"
	case ConfigError:
		return "ConfigError"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// CodedError is implemented by every typed error in this package.
type CodedError interface {
	error
	ErrCode() Code
}

// coded is the common base embedded by every typed error below.
type coded struct {
	code Code
}

func (c coded) ErrCode() Code { return c.code }

// ErrorOf walks err's chain (via errors.As) and returns the first
// annerr code found, or RuntimeError if none of the wrapped errors
// carry one.
func ErrorOf(err error) Code {
	if err == nil {
		return Success
	}
	var ce CodedError
	if errors.As(err, &ce) {
		return ce.ErrCode()
	}
	return RuntimeError
}

type DuplicateKeyError struct {
	coded
	PrimaryKey uint64
}

func NewDuplicateKey(pk uint64) error {
	return errors.WithStack(&DuplicateKeyError{coded{DuplicateKey}, pk})
}
func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key: primary_key %d already present", e.PrimaryKey)
}

type InexistentKeyError struct {
	coded
	PrimaryKey uint64
}

func NewInexistentKey(pk uint64) error {
	return errors.WithStack(&InexistentKeyError{coded{InexistentKey}, pk})
}
func (e *InexistentKeyError) Error() string {
	return fmt.Sprintf("inexistent key: primary_key %d not found", e.PrimaryKey)
}

type InexistentColumnError struct {
	coded
	Column string
}

func NewInexistentColumn(name string) error {
	return errors.WithStack(&InexistentColumnError{coded{InexistentColumn}, name})
}
func (e *InexistentColumnError) Error() string {
	return fmt.Sprintf("inexistent column: %q", e.Column)
}

type DuplicateCollectionError struct {
	coded
	Name string
}

func NewDuplicateCollection(name string) error {
	return errors.WithStack(&DuplicateCollectionError{coded{DuplicateCollection}, name})
}
func (e *DuplicateCollectionError) Error() string {
	return fmt.Sprintf("collection %q already exists", e.Name)
}

type InvalidIndexDataFormatError struct {
	coded
	Reason string
}

func NewInvalidIndexDataFormat(reason string) error {
	return errors.WithStack(&InvalidIndexDataFormatError{coded{InvalidIndexDataFormat}, reason})
}
func (e *InvalidIndexDataFormatError) Error() string {
	return fmt.Sprintf("invalid index data format: %s", e.Reason)
}

type InvalidSegmentError struct {
	coded
	SegmentID uint32
	Reason    string
}

func NewInvalidSegment(id uint32, reason string) error {
	return errors.WithStack(&InvalidSegmentError{coded{InvalidSegment}, id, reason})
}
func (e *InvalidSegmentError) Error() string {
	return fmt.Sprintf("invalid segment %d: %s", e.SegmentID, e.Reason)
}

type InvalidRecordError struct {
	coded
	Reason string
}

func NewInvalidRecord(reason string) error {
	return errors.WithStack(&InvalidRecordError{coded{InvalidRecord}, reason})
}
func (e *InvalidRecordError) Error() string {
	return fmt.Sprintf("invalid record: %s", e.Reason)
}

type InvalidQueryError struct {
	coded
	Reason string
}

func NewInvalidQuery(reason string) error {
	return errors.WithStack(&InvalidQueryError{coded{InvalidQuery}, reason})
}
func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}

type MismatchedSchemaError struct {
	coded
	Reason string
}

func NewMismatchedSchema(reason string) error {
	return errors.WithStack(&MismatchedSchemaError{coded{MismatchedSchema}, reason})
}
func (e *MismatchedSchemaError) Error() string {
	return fmt.Sprintf("mismatched schema: %s", e.Reason)
}

type updateFieldError struct {
	coded
	Column string
	Field  string
}

func (e *updateFieldError) Error() string {
	return fmt.Sprintf("column %q: field %q cannot be changed by schema update", e.Column, e.Field)
}

func NewUpdateColumnNameField(column string) error {
	return errors.WithStack(&updateFieldError{coded{UpdateColumnNameField}, column, "name"})
}
func NewUpdateIndexTypeField(column string) error {
	return errors.WithStack(&updateFieldError{coded{UpdateIndexTypeField}, column, "index_type"})
}
func NewUpdateDataTypeField(column string) error {
	return errors.WithStack(&updateFieldError{coded{UpdateDataTypeField}, column, "data_type"})
}
func NewUpdateParametersField(column string) error {
	return errors.WithStack(&updateFieldError{coded{UpdateParametersField}, column, "parameters"})
}
func NewUpdateRepositoryTypeField(column string) error {
	return errors.WithStack(&updateFieldError{coded{UpdateRepositoryTypeField}, column, "repository_type"})
}

type RuntimeErrorWrap struct {
	coded
	Reason string
}

func NewRuntimeError(reason string) error {
	return errors.WithStack(&RuntimeErrorWrap{coded{RuntimeError}, reason})
}
func (e *RuntimeErrorWrap) Error() string { return fmt.Sprintf("runtime error: %s", e.Reason) }

type ReadDataError struct {
	coded
	Reason string
}

func NewReadData(reason string) error {
	return errors.WithStack(&ReadDataError{coded{ReadData}, reason})
}
func (e *ReadDataError) Error() string { return fmt.Sprintf("read data failed: %s", e.Reason) }

type WriteDataError struct {
	coded
	Reason string
}

func NewWriteData(reason string) error {
	return errors.WithStack(&WriteDataError{coded{WriteData}, reason})
}
func (e *WriteDataError) Error() string { return fmt.Sprintf("write data failed: %s", e.Reason) }

type ExceedLimitError struct {
	coded
	Reason string
}

func NewExceedLimit(reason string) error {
	return errors.WithStack(&ExceedLimitError{coded{ExceedLimit}, reason})
}
func (e *ExceedLimitError) Error() string { return fmt.Sprintf("exceed limit: %s", e.Reason) }

type UnpackIndexError struct {
	coded
	Reason string
}

func NewUnpackIndex(reason string) error {
	return errors.WithStack(&UnpackIndexError{coded{UnpackIndex}, reason})
}
func (e *UnpackIndexError) Error() string { return fmt.Sprintf("unpack index failed: %s", e.Reason) }

type ConfigErrorWrap struct {
	coded
	Reason string
}

func NewConfigError(reason string) error {
	return errors.WithStack(&ConfigErrorWrap{coded{ConfigError}, reason})
}
func (e *ConfigErrorWrap) Error() string { return fmt.Sprintf("config error: %s", e.Reason) }

type StatusErrorWrap struct {
	coded
	Expected string
	Actual   string
}

func NewStatusError(expected, actual string) error {
	return errors.WithStack(&StatusErrorWrap{coded{StatusError}, expected, actual})
}
func (e *StatusErrorWrap) Error() string {
	return fmt.Sprintf("status error: expected %s, got %s", e.Expected, e.Actual)
}
