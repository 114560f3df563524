package reports

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/bpark/bparkd/internal/domain"
)

func renderParkingReport(stats domain.MonthlyStats) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	rows := [][]interface{}{
		{"Parking report", stats.Month.Format("January 2006")},
		{},
		{"Total parked minutes", stats.TotalMinutes},
		{"Late exits", stats.LateExits},
		{"Late notifications sent", stats.LateNotified},
		{"Extensions used", stats.Extensions},
		{"Sessions from reservations", stats.ReservationCount},
		{"Reservation no-shows", stats.Cancellations},
		{"Late reservation claims", stats.LateReservations},
	}
	if stats.MostRequestedHour >= 0 {
		rows = append(rows, []interface{}{
			"Busiest entry hour", fmt.Sprintf("%02d:00", stats.MostRequestedHour),
		})
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func renderSubscriberReport(sub domain.Subscriber, sessions []domain.ParkingSession) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	header := []interface{}{"Entry", "Exit", "Spot", "Minutes", "Late", "Extended", "Reserved"}
	if err := f.SetSheetRow(sheet, "A1", &[]interface{}{"Subscriber", sub.ID, sub.Name}); err != nil {
		return nil, err
	}
	if err := f.SetSheetRow(sheet, "A3", &header); err != nil {
		return nil, err
	}
	for i, s := range sessions {
		exit := ""
		if s.ExitTime != nil {
			exit = s.ExitTime.Format("2006-01-02 15:04")
		}
		row := []interface{}{
			s.EntryTime.Format("2006-01-02 15:04"),
			exit,
			s.SpotID,
			s.TotalMinutes,
			s.Late,
			s.ExtensionUsed,
			s.ReservationID != nil,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+4)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
