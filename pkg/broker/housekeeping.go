package broker

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brekkylab/ailoy/pkg/aerr"
)

// DefaultStaleTransactionAge is the age StartHousekeeping uses, absent an
// override, to decide a transaction record has gone stale: no terminal
// respond_execute arrived within this long of handleExecute creating it,
// most likely because the responder crashed without its disconnect ever
// reaching the broker.
const DefaultStaleTransactionAge = 30 * time.Second

// StartHousekeeping runs a periodic sweep over the broker's transaction
// table on the given cron schedule (e.g. "*/1 * * * *"). Any record older
// than staleAfter is purged and its initiator receives a terminal
// respond_execute(done=true, status=false) telling it the transaction will
// never complete -- the same notification handleDisconnect sends when a
// responder drops off cleanly. Each run also flushes the open-transaction
// and connected-client gauges to the swept counts. Returns the running
// scheduler; callers Stop() it on shutdown.
func (b *Broker) StartHousekeeping(schedule string, staleAfter time.Duration) (*cron.Cron, error) {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleTransactionAge
	}
	c := cron.New()
	_, err := c.AddFunc(schedule, func() { b.sweepStale(staleAfter) })
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (b *Broker) sweepStale(staleAfter time.Duration) {
	type stale struct {
		txid string
		rec  *txRecord
	}
	var swept []stale

	b.mu.Lock()
	now := time.Now()
	for txid, rec := range b.txs {
		if now.Sub(rec.createdAt) > staleAfter {
			swept = append(swept, stale{txid, rec})
			delete(b.txs, txid)
		}
	}
	nClients, nTxs, nSubs := len(b.clients), len(b.txs), len(b.subs)
	b.mu.Unlock()

	b.metrics.transactions.Set(float64(nTxs))
	b.metrics.clients.Set(float64(nClients))

	for _, s := range swept {
		b.metrics.routingErrors.WithLabelValues("StaleTransaction").Inc()
		b.replyRespondExecute(s.rec.initiator, s.txid, 0, false, true, string(aerr.KindStaleTransaction))
	}

	log.Printf("ailoycore: broker %s: housekeeping: clients=%d transactions=%d subscriptions=%d swept=%d",
		b.url, nClients, nTxs, nSubs, len(swept))
}
