package metrics

const (
	ServerConnsAcceptedH = "The total number of connections accepted by the time authority"
	ServerConnsAcceptedN = "timeservice_server_conns_accepted"
	ServerConnsClosedH   = "The total number of connections closed by the time authority"
	ServerConnsClosedN   = "timeservice_server_conns_closed"
	ServerReqsMalformedH = "The total number of malformed requests received"
	ServerReqsMalformedN = "timeservice_server_reqs_malformed"
	ServerReqsServedH    = "The total number of requests served"
	ServerReqsServedN    = "timeservice_server_reqs_served"

	ClientSyncsAttemptedH = "The total number of client sync cycles attempted"
	ClientSyncsAttemptedN = "timeservice_client_syncs_attempted"
	ClientSyncsFailedH    = "The total number of client sync cycles that failed"
	ClientSyncsFailedN    = "timeservice_client_syncs_failed"
	ClientSyncsFilteredH  = "The total number of client samples discarded by the sample filter"
	ClientSyncsFilteredN  = "timeservice_client_syncs_filtered"
	ClientOffsetH         = "The current client clock offset in seconds"
	ClientOffsetN         = "timeservice_client_offset_seconds"
	ClientRoundTripH      = "The round trip time of the last successful client sync in seconds"
	ClientRoundTripN      = "timeservice_client_round_trip_seconds"

	SyncRefCyclesH   = "The total number of reference sync cycles"
	SyncRefCyclesN   = "timeservice_sync_ref_cycles"
	SyncRefFailuresH = "The total number of reference sync cycles in which no reference responded"
	SyncRefFailuresN = "timeservice_sync_ref_failures"
	SyncRefOffsetH   = "The current authority clock offset in seconds"
	SyncRefOffsetN   = "timeservice_sync_ref_offset_seconds"
)
