/*
Copyright 2025.

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

package workflow

// Progress is the read-only completion projection over step records. Phase
// start/complete bookkeeping steps are excluded so an untouched phase reads
// 0% and a worked-through one 100%, independent of housekeeping.
func Progress(steps []*StepRecord) float64 {
	total := 0
	done := 0
	for _, s := range steps {
		if s.Bookkeeping {
			continue
		}
		total++
		if s.Status == StepDone {
			done++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(done) / float64(total) * 100
}

// PartialReady reports whether at least one assignment work item under the
// steps has resolved to Done. This is the join predicate that lets testing
// start before every data provider is assigned.
func PartialReady(steps []*StepRecord) bool {
	for _, s := range steps {
		if s.Assignment && s.Status == StepDone {
			return true
		}
	}
	return false
}

// AwaitingStep returns the first step currently parked for a human decision,
// or nil when nothing is waiting.
func AwaitingStep(steps []*StepRecord) *StepRecord {
	for _, s := range steps {
		if s.Status == StepAwaitingSignal {
			return s
		}
	}
	return nil
}
