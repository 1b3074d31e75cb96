/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cli

import (
	"runtime"

	"github.com/spf13/cobra"

	"github.com/cloudburst-labs/cloudburst/pkg/utils/project"
)

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(g.v)
			if p.json {
				return p.JSON(map[string]string{
					"name":    project.Name,
					"version": project.Version,
					"go":      runtime.Version(),
					"arch":    runtime.GOOS + "/" + runtime.GOARCH,
				})
			}
			p.Line("%s %s %s %s/%s", project.Name, project.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
