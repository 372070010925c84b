// Pybricks USB wire protocol framing
// https://github.com/pybricks/pbio
//
// Copyright (c) The Pybricks Authors
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"testing"

	"github.com/pybricks/pbio"
)

func TestEncodeResponse(t *testing.T) {
	dst := make([]byte, ResponseSize)
	n := EncodeResponse(dst, ErrorBusy)

	want := []byte{TagResponse, 3, 0, 0, 0}
	if n != ResponseSize || !bytes.Equal(dst, want) {
		t.Fatalf("EncodeResponse(ErrorBusy) = %v (n=%d), want %v (n=%d)", dst, n, want, ResponseSize)
	}
}

func TestEncodeEvent(t *testing.T) {
	dst := make([]byte, 16)
	n := EncodeEvent(dst, EventWriteStdout, []byte("hi"))

	want := []byte{TagEvent, EventWriteStdout, 'h', 'i'}
	if n != 4 || !bytes.Equal(dst[:n], want) {
		t.Fatalf("EncodeEvent = %v (n=%d), want %v", dst[:n], n, want)
	}
}

func TestHubCapabilities(t *testing.T) {
	dst := make([]byte, 10)
	n := HubCapabilities(dst, 64, 0x00000005, 0x00020000, 20)

	want := []byte{63, 5, 0, 0, 0, 0, 0, 2, 0, 20}
	if n != 10 || !bytes.Equal(dst, want) {
		t.Fatalf("HubCapabilities = %v (n=%d), want %v", dst, n, want)
	}
}

func TestErrorCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ErrorOK},
		{pbio.InvalidArg("x"), ErrorInvalidArg},
		{pbio.InvalidOp("x"), ErrorInvalidOp},
		{pbio.Busy("x"), ErrorBusy},
		{pbio.NoDev("x"), ErrorNoDev},
		{pbio.NotImplemented("x"), ErrorNotImplemented},
	}

	for _, c := range cases {
		if got := ErrorCodeFor(c.err); got != c.want {
			t.Fatalf("ErrorCodeFor(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
