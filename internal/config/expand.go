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

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zalando/go-keyring"
)

// KeyringService is the default keychain service for keyring: references.
const KeyringService = "toolgate"

// keyringPrefix marks an env value stored in the OS keychain.
const keyringPrefix = "keyring:"

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default}. An unset or empty VAR
// with no default expands to the empty string.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		parts := envPattern.FindStringSubmatch(m)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

func expandMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = expandEnv(v)
	}
	return out
}

// resolveSecret looks up a keyring: reference. The key may be "name" in
// the toolgate service or "service/name".
func resolveSecret(ref string) (string, error) {
	key := strings.TrimPrefix(ref, keyringPrefix)
	service := KeyringService
	if i := strings.Index(key, "/"); i > 0 {
		service, key = key[:i], key[i+1:]
	}
	if key == "" {
		return "", fmt.Errorf("empty keyring reference")
	}
	secret, err := keyring.Get(service, key)
	if err != nil {
		if err == keyring.ErrNotFound {
			return "", fmt.Errorf("secret %s/%s not found in keychain", service, key)
		}
		return "", fmt.Errorf("keychain lookup %s/%s: %w", service, key, err)
	}
	return secret, nil
}

// expandServers applies variable expansion and keyring resolution to every
// server's launch fields.
func (c *Config) expandServers() error {
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Command = expandEnv(s.Command)
		s.URL = expandEnv(s.URL)
		for j, a := range s.Args {
			s.Args[j] = expandEnv(a)
		}
		s.Env = expandMap(s.Env)
		s.Headers = expandMap(s.Headers)

		for k, v := range s.Env {
			if !strings.HasPrefix(v, keyringPrefix) {
				continue
			}
			secret, err := resolveSecret(v)
			if err != nil {
				return fmt.Errorf("server %s: env %s: %w", s.Name, k, err)
			}
			s.Env[k] = secret
		}
	}
	return nil
}
