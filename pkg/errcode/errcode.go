// Package errcode defines the shared numeric status taxonomy used by every
// gridstore operation. A zero status means success; failures are negative.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a status from the shared taxonomy.
type Code int

const (
	OK Code = 0

	UserSockConnectErr     Code = -305000
	UserInputPathErr       Code = -317000
	UserNoRescInputErr     Code = -323000
	UserIncompatibleParams Code = -331000

	SysInvalidServerHost       Code = -15000
	SysInvalidZoneName         Code = -26000
	SysInvalidFilePath         Code = -44000
	SysNoRcatServerErr         Code = -47000
	SysInvalidInputParam       Code = -130000
	SysInternalErr             Code = -154000
	SysServiceRoleNotSupported Code = -169000

	CatStoreErr                     Code = -806000
	CatSuccessButWithNoInfo         Code = -807000
	CatNoRowsFound                  Code = -808000
	CatalogAlreadyHasItemByThatName Code = -809000
	CatNoAccessPermission           Code = -818000

	HierarchyError Code = -1803000
)

var names = map[Code]string{
	OK:                              "OK",
	UserSockConnectErr:              "USER_SOCK_CONNECT_ERR",
	UserInputPathErr:                "USER_INPUT_PATH_ERR",
	UserNoRescInputErr:              "USER_NO_RESC_INPUT_ERR",
	UserIncompatibleParams:          "USER_INCOMPATIBLE_PARAMS",
	SysInvalidServerHost:            "SYS_INVALID_SERVER_HOST",
	SysInvalidZoneName:              "SYS_INVALID_ZONE_NAME",
	SysInvalidFilePath:              "SYS_INVALID_FILE_PATH",
	SysNoRcatServerErr:              "SYS_NO_RCAT_SERVER_ERR",
	SysInvalidInputParam:            "SYS_INVALID_INPUT_PARAM",
	SysInternalErr:                  "SYS_INTERNAL_ERR",
	SysServiceRoleNotSupported:      "SYS_SERVICE_ROLE_NOT_SUPPORTED",
	CatStoreErr:                     "CAT_STORE_ERR",
	CatSuccessButWithNoInfo:         "CAT_SUCCESS_BUT_WITH_NO_INFO",
	CatNoRowsFound:                  "CAT_NO_ROWS_FOUND",
	CatalogAlreadyHasItemByThatName: "CATALOG_ALREADY_HAS_ITEM_BY_THAT_NAME",
	CatNoAccessPermission:           "CAT_NO_ACCESS_PERMISSION",
	HierarchyError:                  "HIERARCHY_ERROR",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_STATUS(%d)", int(c))
}

// Error carries a taxonomy code alongside a human readable message and an
// optional wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return e.Code.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match against another *Error with the same code, so
// errors.Is(err, &Error{Code: CatNoRowsFound}) works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the status carried by err. Errors without a code map to
// SysInternalErr; nil maps to OK.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return SysInternalErr
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Message returns err's text without its leading code name, the form
// FromStatus expects on the other side of the wire.
func Message(err error) string {
	if err == nil {
		return ""
	}
	e, ok := err.(*Error)
	if !ok {
		return err.Error()
	}
	switch {
	case e.Err == nil:
		return e.Msg
	case e.Msg == "":
		return e.Err.Error()
	default:
		return e.Msg + ": " + e.Err.Error()
	}
}

// FromStatus rebuilds an error from a status received over the wire.
func FromStatus(status int, msg string) error {
	if status >= 0 {
		return nil
	}
	return &Error{Code: Code(status), Msg: msg}
}
