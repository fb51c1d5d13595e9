// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package mcp holds the Model Context Protocol vocabulary shared by the
gateway: JSON-RPC frames, method names, the error taxonomy and server
lifecycle events.

# Errors

Every failure the gateway reports to a client is an *Error carrying a Kind.
The kind selects the JSON-RPC error code (see Kind.Code) and is preserved
through wrapping:

	if mcp.IsKind(err, mcp.KindCircuitOpen) {
	    // retry after err.RetryAfter
	}

ToRPCError converts any error into the wire form, attaching server, retry
hints and suggestions as error data.

# Events

EventEmitter fans out ServerEvent values (started, ready, stopped, failed,
circuit-open, enabled, tools-changed) to in-process subscribers. The
gateway uses them to push notifications/tools/list_changed to sessions.
*/
package mcp
