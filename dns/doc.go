// Copyright 2026 The Donggong Authors
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
Package dns resolves host names for the evasive dialer.

Because domain resolution gatekeeps connections and is predominantly done in plaintext, it is [commonly used
for network-level filtering]. The [Resolver] interface is satisfied by [net.Resolver], so the system resolver
works as is. [NewUDPResolver] and [NewTCPResolver] query a specific server instead, which helps when the
local resolver is poisoned:

  - [DNS-over-UDP]: the standard mechanism of querying resolvers, in plaintext on port 53.
  - [DNS-over-TCP]: more reliable delivery and larger responses, at the cost of a connection.

# Address preference

[PreferIPv4] keeps only the IPv4 addresses of a result when there are any, and falls back to the full
result (typically IPv6) otherwise.

[NewStreamDialer] combines a resolver and a base dialer: it resolves, applies [PreferIPv4] and tries the
remaining addresses in order until one connects.

[commonly used for network-level filtering]: https://datatracker.ietf.org/doc/html/rfc9505#section-5.1.1
[DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
[DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc7766
*/
package dns
