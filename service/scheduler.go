package service

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron"
)

// Scheduler advances the election phase according to its windows.
type Scheduler struct {
	cron    *cron.Cron
	service *ElectionService
}

// NewScheduler checks the phase windows every interval.
func NewScheduler(s *ElectionService, interval time.Duration) (*Scheduler, error) {
	if interval < time.Second {
		return nil, errors.Errorf("advance interval %v is below one second",
			interval)
	}
	sc := &Scheduler{
		cron:    cron.New(),
		service: s,
	}
	err := sc.cron.AddFunc(fmt.Sprintf("@every %v", interval), sc.advance)
	if err != nil {
		return nil, errors.Wrap(err, "schedule phase advance")
	}
	return sc, nil
}

func (sc *Scheduler) advance() {
	// Windows may span several phases at once after downtime; advance until
	// nothing more is due.
	for i := 0; i < 4; i++ {
		moved, err := sc.service.AdvanceByWindow(sc.service.now())
		if err != nil {
			log.Errorf("Scheduled phase advance: %v", err)
			return
		}
		if !moved {
			return
		}
	}
}

func (sc *Scheduler) Start() {
	log.Infof("Launch cron phase advance job")
	sc.cron.Start()
}

func (sc *Scheduler) Stop() {
	sc.cron.Stop()
}
