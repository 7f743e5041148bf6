package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisteredErrors(t *testing.T) {
	require := require.New(t)

	errTest := New("test/errors", 1, "test: registered error")

	module, code := Code(errTest)
	require.Equal("test/errors", module, "module")
	require.EqualValues(1, code, "code")

	reconstructed := FromCode(module, code, errTest.Error())
	require.Equal(errTest, reconstructed, "FromCode round trip")

	module, code = Code(nil)
	require.Equal("", module, "nil module")
	require.EqualValues(CodeNoError, code, "nil code")

	module, code = Code(fmt.Errorf("unregistered"))
	require.Equal(UnknownModule, module, "unregistered module")
	require.EqualValues(1, code, "unregistered code")

	require.Panics(func() { New("test/errors", 1, "duplicate") }, "duplicate registration panics")
	require.Panics(func() { New("test/errors", CodeNoError, "reserved") }, "reserved code panics")

	unknown := FromCode("test/missing", 99, "some message")
	module, code = Code(unknown)
	require.Equal("test/missing", module, "unknown module preserved")
	require.EqualValues(99, code, "unknown code preserved")
	require.Equal("some message", unknown.Error(), "unknown message preserved")
}
