// Package domain defines the types shared by every part of regelapi.
//
// A Request ("behov") is submitted for an ExternalReference. The reference is
// mapped once to a CorrelationID, which is also the Request's id and the key
// of every message exchanged with the external rule engine. The engine answers
// with sparse result messages; an accepted message becomes a ResultSet
// ("subsumsjon") holding up to four SubResults. Status is never stored: a
// Request is Pending until a ResultSet exists for it, then Done.
//
// A ConsumptionRecord ("brukt") marks that a downstream system took ownership
// of a ResultSet. Consumption gates retention cleanup.
package domain
