// Copyright 2026 The Outline Authors
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

/*
Package tlsframe reads TLS record framing without any key material.

It answers the questions a record stream must settle before handing bytes to a
cryptographic engine: how long is the next record, is the peer speaking the
legacy SSLv2 hello format, does a run of handshake records end on a message
boundary, and what does a hello or alert say. Parsing never reads past the
input, and lengths taken from the wire are bounds checked before use.
*/
package tlsframe
