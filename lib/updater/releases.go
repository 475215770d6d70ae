// Dunebugger Remote
// Copyright (C) 2025 Dunebugger
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package updater

import (
	"context"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v70/github"
	"github.com/gravitational/trace"

	"github.com/dunebugger/dunebugger-remote/lib/defaults"
)

// Release describes the newest published release of a component repository.
type Release struct {
	// Version is the tag with any leading "v" stripped.
	Version string
	// Notes is the release body text.
	Notes string
	// URL is the human-facing release page.
	URL string
}

// ReleaseSource answers "what is the latest release of this repository".
type ReleaseSource interface {
	LatestRelease(ctx context.Context, repo string, includePrereleases bool) (*Release, error)
}

// githubReleaseSource reads releases from the GitHub releases API.
type githubReleaseSource struct {
	owner  string
	client *github.Client
}

// NewGitHubReleaseSource creates a ReleaseSource backed by the public GitHub
// API. An empty token keeps the client unauthenticated, which is enough for
// public repositories.
func NewGitHubReleaseSource(owner, token string) ReleaseSource {
	client := github.NewClient(nil)
	if token != "" {
		client = client.WithAuthToken(token)
	}
	return &githubReleaseSource{owner: owner, client: client}
}

// LatestRelease returns the newest non-draft release, skipping prereleases
// unless asked to include them. Transient API failures are retried with
// exponential backoff inside the query timeout.
func (s *githubReleaseSource) LatestRelease(ctx context.Context, repo string, includePrereleases bool) (*Release, error) {
	ctx, cancel := context.WithTimeout(ctx, defaults.ReleaseQueryTimeout)
	defer cancel()

	var releases []*github.RepositoryRelease
	list := func() error {
		var err error
		releases, _, err = s.client.Repositories.ListReleases(ctx, s.owner, repo,
			&github.ListOptions{PerPage: 20})
		return trace.Wrap(err)
	}
	if err := backoff.Retry(list, backoff.WithContext(backoff.NewExponentialBackOff(), ctx)); err != nil {
		return nil, trace.Wrap(err, "listing releases of %v/%v", s.owner, repo)
	}

	for _, release := range releases {
		if release.GetDraft() {
			continue
		}
		if release.GetPrerelease() && !includePrereleases {
			continue
		}
		return &Release{
			Version: strings.TrimPrefix(release.GetTagName(), "v"),
			Notes:   release.GetBody(),
			URL:     release.GetHTMLURL(),
		}, nil
	}
	return nil, trace.NotFound("no published releases in %v/%v", s.owner, repo)
}
