// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tlsframe

import (
	"errors"
)

// GetSNI accepts the beginning of a TLS connection and returns the
// indicated server name, or an error if the server name was not found.
func GetSNI(clienthello []byte) (string, error) {
	info, ok := ParseHello(clienthello, ParseServerName)
	switch {
	case info == nil || info.Header.Legacy:
		return "", errors.New("bad TLSPlaintext")
	case info.Header.Type != ContentTypeHandshake || info.HandshakeType != HandshakeTypeClientHello:
		return "", errors.New("bad Handshake message")
	case !ok:
		return "", errors.New("short or malformed hello")
	case info.TargetName == "":
		return "", errors.New("no SNI")
	}
	return info.TargetName, nil
}
