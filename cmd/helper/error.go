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
	"os"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var osexit = os.Exit

// QuitToStdErr prints an error on stderr and closes
func QuitToStdErr(msg interface{}) {
	_, _ = fmt.Fprintln(os.Stderr, UnwrapMessage(msg))
	osexit(1)
}

// QuitWithUserError ...
func QuitWithUserError(err error) {
	s, ok := status.FromError(err)
	if ok && s.Code() == codes.Unavailable {
		QuitToStdErr(fmt.Errorf("eventdb is not reachable: %s", s.Message()))
		return
	}
	QuitToStdErr(err)
}

func OverrideQuitter(quitter func(int)) {
	osexit = quitter
}

func UnwrapMessage(msg interface{}) interface{} {
	if err, ok := msg.(error); ok {
		if statusErr, isStatusErr := status.FromError(err); isStatusErr {
			return statusErr.Message()
		}
	}
	return msg
}
