// Package fnirs holds the shared data model of the near-infrared
// spectroscopy pipeline: raw optode samples, optical density, hemoglobin
// deltas, session metadata and the error taxonomy used by every stage.
//
// Stage packages (samplebuf, optics, hemo, detect) depend on fnirs but never
// on each other's internals, and none of them touch storage. The pipeline
// package is the composition root that wires them to a Store.
package fnirs
