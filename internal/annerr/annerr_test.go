package annerr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/annindex/internal/annerr"
)

func TestErrorOfMatchesCode(t *testing.T) {
	require.Equal(t, annerr.DuplicateKey, annerr.ErrorOf(annerr.NewDuplicateKey(1)))
	require.Equal(t, annerr.InexistentKey, annerr.ErrorOf(annerr.NewInexistentKey(1)))
	require.Equal(t, annerr.InexistentColumn, annerr.ErrorOf(annerr.NewInexistentColumn("x")))
	require.Equal(t, annerr.ExceedLimit, annerr.ErrorOf(annerr.NewExceedLimit("too many")))
}

func TestErrorOfNilIsSuccess(t *testing.T) {
	require.Equal(t, annerr.Success, annerr.ErrorOf(nil))
}

func TestErrorOfUnwrappedErrorIsRuntimeError(t *testing.T) {
	require.Equal(t, annerr.RuntimeError, annerr.ErrorOf(errPlain{}))
}

type errPlain struct{}

func (errPlain) Error() string { return "plain" }

func TestCodeStringKnownAndUnknown(t *testing.T) {
	require.Equal(t, "DuplicateKey", annerr.DuplicateKey.String())
	require.Equal(t, "Code(999)", annerr.Code(999).String())
}

func TestUpdateFieldErrorMessages(t *testing.T) {
	err := annerr.NewUpdateDataTypeField("embedding")
	require.Equal(t, annerr.UpdateDataTypeField, annerr.ErrorOf(err))
	require.Contains(t, err.Error(), "embedding")
	require.Contains(t, err.Error(), "data_type")
}
