package models

import "testing"

func TestQueueStateValid(t *testing.T) {
	queued := QueueStatusQueued
	processing := QueueStatusProcessing
	completed := QueueStatusCompleted
	failed := QueueStatusFailed

	cases := []struct {
		status string
		queue  *string
		want   bool
	}{
		{StatusAwaitingPayment, nil, true},
		{StatusPaymentReceived, nil, true},
		{StatusInQueue, nil, false},
		{StatusProcessingDocuments, nil, false},
		{StatusInQueue, &queued, true},
		{StatusErrorGenerating, &queued, true},
		{StatusProcessingDocuments, &processing, true},
		{StatusInQueue, &processing, false},
		{StatusPermitReady, &completed, true},
		{StatusExpired, &completed, true},
		{StatusErrorGenerating, &failed, true},
		{StatusCancelled, &failed, true},
		{StatusPermitReady, &failed, false},
	}
	for _, tc := range cases {
		if got := QueueStateValid(tc.status, tc.queue); got != tc.want {
			qs := "<nil>"
			if tc.queue != nil {
				qs = *tc.queue
			}
			t.Fatalf("QueueStateValid(%s, %s) = %v, want %v", tc.status, qs, got, tc.want)
		}
	}
}
