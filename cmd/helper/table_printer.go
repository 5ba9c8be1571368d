/*
Copyright 2022 Codenotary Inc. All rights reserved.

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

package helper

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
)

// PrintTable prints data (string arrays) in a tabular format, rows numbered
// from 1. An empty caption prints the row count.
func PrintTable(
	w io.Writer,
	cols []string,
	nbRows int,
	getRow func(int) []string,
	caption string,
) {
	if nbRows == 0 || len(cols) == 0 {
		return
	}

	if caption == "" {
		caption = fmt.Sprintf("%d row(s)", nbRows)
	}
	fmt.Fprintln(w, caption)

	table := tablewriter.NewWriter(w)
	table.SetHeader(append([]string{"#"}, cols...))
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)

	for i := 0; i < nbRows; i++ {
		row := make([]string, len(cols)+1)
		row[0] = strconv.Itoa(i + 1)
		copy(row[1:], getRow(i))
		table.Append(row)
	}

	table.Render()
}
