// Package mapping compiles mapping documents (*.ecamap) that bind the fields
// of user-defined types to signal expressions or to other mappings.
//
//	ECA Phasor PMU1 {
//	    Magnitude: {FILTER ActiveMeasurements WHERE PointTag = 'PMU1-VPHM'}
//	    Angle: PPA:2 3 points ago
//	}
//
// Array fields may additionally sample a moving time window:
// "last N unit", "from N unit ago for M unit", each optionally followed by a
// sample rate "@ R per unit". A buffered field mapping (one with a relative
// time or a window) may not reach another buffered field mapping through
// its nested mappings.
package mapping
